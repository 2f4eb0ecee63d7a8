package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"discount-ledger/internal/config"
	"discount-ledger/internal/logger"
	"discount-ledger/internal/services"
)

// MiddlewareLimiter описывает контракт для rate limiter.
type MiddlewareLimiter interface {
	Allow(ctx context.Context, key string) (bool, int64, time.Time, error)
	Enabled() bool
	Limit() int64
}

// RateLimitStatusProvider расширяет интерфейс для эндпоинта статуса.
type RateLimitStatusProvider interface {
	MiddlewareLimiter
	Usage(ctx context.Context, key string) (int64, int64, *time.Time, error)
}

// RateLimitHandler показывает клиенту его окно запросов и, при ?user_id=, счётчик неудачных вводов кода.
type RateLimitHandler struct {
	limiter RateLimitStatusProvider
	guard   CodeEntryGuard
	log     *logger.Logger
	cfg     *config.RateLimitConfig
}

// NewRateLimitHandler создает новый RateLimitHandler. limiter и guard могут быть nil.
func NewRateLimitHandler(limiter RateLimitStatusProvider, guard CodeEntryGuard, log *logger.Logger, cfg *config.RateLimitConfig) *RateLimitHandler {
	return &RateLimitHandler{
		limiter: limiter,
		guard:   guard,
		log:     log,
		cfg:     cfg,
	}
}

// Status возвращает текущие значения лимитов для клиента.
func (h *RateLimitHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := map[string]interface{}{"enabled": false}
	if h.limiter != nil && h.limiter.Enabled() && h.cfg != nil {
		client := services.ExtractClientIP(r)
		used, remaining, resetAt, err := h.limiter.Usage(r.Context(), client)
		if err != nil {
			h.log.WithError(err).Error("Failed to fetch rate limit usage")
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to fetch rate limit usage")
			return
		}
		resp["enabled"] = true
		resp["limit"] = h.cfg.Requests
		resp["window_seconds"] = h.cfg.WindowSeconds
		resp["used"] = used
		resp["remaining"] = remaining
		resp["key"] = client
		if resetAt != nil {
			resp["reset_at"] = resetAt.Format(time.RFC3339)
		}
	}

	if userID := strings.TrimSpace(r.URL.Query().Get("user_id")); userID != "" && h.guard != nil {
		state, err := h.guard.Check(r.Context(), userID)
		if err != nil {
			h.log.WithError(err).WithField("user_id", userID).Error("Failed to fetch code entry usage")
			writeErrorResponse(w, http.StatusInternalServerError, "Failed to fetch code entry usage")
			return
		}
		entries := map[string]interface{}{
			"limit":     h.guard.Limit(),
			"failures":  state.Used,
			"remaining": state.Remaining,
			"blocked":   state.Exhausted(),
		}
		if !state.ResetAt.IsZero() {
			entries["reset_at"] = state.ResetAt.Format(time.RFC3339)
		}
		resp["code_entries"] = entries
	}

	writeJSONResponse(w, http.StatusOK, resp)
}

// RateLimitMiddleware применяет rate limiting к хендлеру; при превышении отвечает 429 с Retry-After.
func RateLimitMiddleware(limiter MiddlewareLimiter, log *logger.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if limiter == nil || !limiter.Enabled() {
			next(w, r)
			return
		}

		client := services.ExtractClientIP(r)
		allowed, remaining, resetAt, err := limiter.Allow(r.Context(), client)
		if err != nil {
			log.WithError(err).Error("Rate limiter failed")
			writeErrorResponse(w, http.StatusInternalServerError, "Rate limiter error")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(limiter.Limit(), 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if !resetAt.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		}

		if !allowed {
			setRetryAfter(w, resetAt)
			log.WithField("client", client).Debug("Rate limit exceeded")
			writeErrorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
			return
		}

		next(w, r)
	}
}

// setRetryAfter выставляет Retry-After в целых секундах, не меньше одной.
func setRetryAfter(w http.ResponseWriter, resetAt time.Time) {
	if resetAt.IsZero() {
		return
	}
	retry := int64(time.Until(resetAt).Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
}
