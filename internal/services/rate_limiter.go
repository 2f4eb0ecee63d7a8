package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"discount-ledger/internal/config"
	"discount-ledger/internal/logger"
	"discount-ledger/internal/models"
	"discount-ledger/internal/redis"
)

type rateRedis interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)
	GetInt(ctx context.Context, key string) (int64, error)
}

// WindowState описывает счётчик ключа в текущем окне.
// ResetAt нулевое, пока в окне не было ни одного события.
type WindowState struct {
	Used      int64
	Remaining int64
	ResetAt   time.Time
}

// Exhausted сообщает, что лимит окна исчерпан.
func (s WindowState) Exhausted() bool {
	return s.Remaining <= 0 && !s.ResetAt.IsZero()
}

// fixedWindow считает события по ключу в Redis; счётчик живёт ровно одно окно.
type fixedWindow struct {
	redis  rateRedis
	log    *logger.Logger
	limit  int64
	window time.Duration
	prefix string
}

func (f *fixedWindow) key(k string) string {
	return redis.GenerateKey(f.prefix, strings.ReplaceAll(k, ":", "_"))
}

// hit засчитывает событие и возвращает состояние окна после него.
func (f *fixedWindow) hit(ctx context.Context, k string) (WindowState, error) {
	redisKey := f.key(k)
	count, err := f.redis.Incr(ctx, redisKey)
	if err != nil {
		return WindowState{}, fmt.Errorf("window incr failed: %w", err)
	}
	if count == 1 {
		if err := f.redis.Expire(ctx, redisKey, f.window); err != nil {
			f.log.WithError(err).WithField("key", redisKey).Warn("Failed to set window ttl")
		}
	}
	return f.state(ctx, redisKey, count), nil
}

// peek возвращает состояние окна, не засчитывая событие.
func (f *fixedWindow) peek(ctx context.Context, k string) (WindowState, error) {
	redisKey := f.key(k)
	count, err := f.redis.GetInt(ctx, redisKey)
	if errors.Is(err, redis.ErrKeyNotFound) {
		return WindowState{Remaining: f.limit}, nil
	}
	if err != nil {
		return WindowState{}, fmt.Errorf("window read failed: %w", err)
	}
	return f.state(ctx, redisKey, count), nil
}

func (f *fixedWindow) state(ctx context.Context, redisKey string, count int64) WindowState {
	ttl, err := f.redis.TTL(ctx, redisKey)
	if err != nil || ttl <= 0 {
		if err != nil {
			f.log.WithError(err).WithField("key", redisKey).Warn("Failed to get window ttl")
		}
		ttl = f.window
	}
	remaining := f.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return WindowState{Used: count, Remaining: remaining, ResetAt: time.Now().Add(ttl)}
}

// RateLimiter ограничивает число запросов клиента (по IP) к API карт.
type RateLimiter struct {
	counter *fixedWindow
}

// NewRateLimiter создаёт rate limiter. Без Redis или при выключенном конфиге пропускает всё.
func NewRateLimiter(redisClient *redis.Client, log *logger.Logger, cfg *config.RateLimitConfig) *RateLimiter {
	if redisClient == nil || cfg == nil || !cfg.Enabled || cfg.Requests <= 0 || cfg.WindowSeconds <= 0 {
		return &RateLimiter{}
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RateLimiter{counter: &fixedWindow{
		redis:  redisClient,
		log:    log,
		limit:  int64(cfg.Requests),
		window: time.Duration(cfg.WindowSeconds) * time.Second,
		prefix: prefix,
	}}
}

// Allow засчитывает запрос клиента и возвращает признак разрешения, остаток и время сброса окна.
func (r *RateLimiter) Allow(ctx context.Context, client string) (bool, int64, time.Time, error) {
	if r.counter == nil {
		return true, 0, time.Time{}, nil
	}
	st, err := r.counter.hit(ctx, client)
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limiter: %w", err)
	}
	return st.Used <= r.counter.limit, st.Remaining, st.ResetAt, nil
}

// Usage возвращает число запросов клиента в текущем окне.
func (r *RateLimiter) Usage(ctx context.Context, client string) (int64, int64, *time.Time, error) {
	if r.counter == nil {
		return 0, 0, nil, nil
	}
	st, err := r.counter.peek(ctx, client)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("rate limiter: %w", err)
	}
	if st.ResetAt.IsZero() {
		return st.Used, st.Remaining, nil, nil
	}
	return st.Used, st.Remaining, &st.ResetAt, nil
}

// Limit возвращает лимит запросов на окно.
func (r *RateLimiter) Limit() int64 {
	if r.counter == nil {
		return 0
	}
	return r.counter.limit
}

// Enabled сообщает, включён ли rate limiting.
func (r *RateLimiter) Enabled() bool {
	return r.counter != nil
}

// CodeEntryGuard ограничивает число неудачных вводов кода пользователем,
// чтобы коды карт нельзя было подобрать перебором.
type CodeEntryGuard struct {
	counter *fixedWindow
}

// NewCodeEntryGuard создаёт ограничитель подбора кодов. Без Redis или при нулевом лимите выключен.
func NewCodeEntryGuard(redisClient *redis.Client, log *logger.Logger, cfg *config.RateLimitConfig) *CodeEntryGuard {
	if redisClient == nil || cfg == nil || cfg.RedeemFailures <= 0 || cfg.RedeemFailureWindowSeconds <= 0 {
		return &CodeEntryGuard{}
	}
	return &CodeEntryGuard{counter: &fixedWindow{
		redis:  redisClient,
		log:    log,
		limit:  int64(cfg.RedeemFailures),
		window: time.Duration(cfg.RedeemFailureWindowSeconds) * time.Second,
		prefix: redis.KeyPrefixRedeemFailures,
	}}
}

// Enabled сообщает, ведётся ли учёт неудачных вводов.
func (g *CodeEntryGuard) Enabled() bool {
	return g != nil && g.counter != nil
}

// Check возвращает состояние окна неудачных вводов пользователя, не меняя его.
func (g *CodeEntryGuard) Check(ctx context.Context, userID string) (WindowState, error) {
	if !g.Enabled() {
		return WindowState{}, nil
	}
	st, err := g.counter.peek(ctx, userID)
	if err != nil {
		return WindowState{}, fmt.Errorf("code entry guard: %w", err)
	}
	return st, nil
}

// Observe учитывает результат ввода кода; засчитывается только not_found.
func (g *CodeEntryGuard) Observe(ctx context.Context, userID string, outcome models.Outcome) (WindowState, error) {
	if !g.Enabled() || outcome != models.OutcomeNotFound {
		return WindowState{}, nil
	}
	st, err := g.counter.hit(ctx, userID)
	if err != nil {
		return WindowState{}, fmt.Errorf("code entry guard: %w", err)
	}
	if st.Exhausted() {
		g.counter.log.WithField("user_id", userID).Warn("Code entry limit reached")
	}
	return st, nil
}

// Limit возвращает допустимое число неудачных вводов за окно.
func (g *CodeEntryGuard) Limit() int64 {
	if !g.Enabled() {
		return 0
	}
	return g.counter.limit
}

// ExtractClientIP получает IP из заголовков/RemoteAddr.
func ExtractClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); ip != "" {
		parts := strings.Split(ip, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
