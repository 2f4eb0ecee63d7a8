package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"discount-ledger/internal/logger"
	"discount-ledger/internal/models"
	"discount-ledger/internal/redis"

	"golang.org/x/sync/singleflight"
)

// GiftCardHandler обслуживает покупку, ввод и применение подарочных карт и промокодов.
type GiftCardHandler struct {
	ledger   GiftCardLedger
	cache    RedisClient
	guard    CodeEntryGuard
	cacheTTL time.Duration
	loads    singleflight.Group
	log      *logger.Logger

	loadTimeout time.Duration
}

// NewGiftCardHandler создает обработчик. cache может быть nil: тогда список карт пользователя не кешируется.
func NewGiftCardHandler(ledger GiftCardLedger, cache RedisClient, cacheTTL time.Duration, log *logger.Logger) *GiftCardHandler {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &GiftCardHandler{
		ledger:      ledger,
		cache:       cache,
		cacheTTL:    cacheTTL,
		log:         log,
		loadTimeout: defaultLoadTimeout,
	}
}

// WithCodeEntryGuard включает ограничение неудачных вводов кода на /redeem.
func (h *GiftCardHandler) WithCodeEntryGuard(guard CodeEntryGuard) *GiftCardHandler {
	h.guard = guard
	return h
}

// Issue выпускает подарочную карту
func (h *GiftCardHandler) Issue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.IssueGiftCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	card, err := h.ledger.Issue(r.Context(), req.Amount, req.PurchaserID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to issue gift card")
		return
	}

	h.evictUserCards(r.Context(), req.PurchaserID)
	writeJSONResponse(w, http.StatusCreated, card)
}

// Redeem привязывает карту или промокод к пользователю по коду
func (h *GiftCardHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.RedeemCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if h.guard != nil && userID != "" {
		state, err := h.guard.Check(r.Context(), userID)
		if err != nil {
			h.log.WithError(err).Error("Code entry guard failed")
			writeErrorResponse(w, http.StatusInternalServerError, "Code entry guard error")
			return
		}
		if state.Exhausted() {
			setRetryAfter(w, state.ResetAt)
			writeErrorResponse(w, http.StatusTooManyRequests, "Too many invalid codes, try again later")
			return
		}
	}

	redemption, err := h.ledger.RedeemByCode(r.Context(), req.Code, req.UserID)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to redeem code")
		return
	}
	if redemption.Outcome != models.OutcomeClaimed {
		if h.guard != nil && userID != "" {
			if _, err := h.guard.Observe(r.Context(), userID, redemption.Outcome); err != nil {
				h.log.WithError(err).WithField("user_id", userID).Warn("Failed to record code entry")
			}
		}
		writeServiceError(w, h.log, outcomeError(redemption.Outcome), "Failed to redeem code")
		return
	}

	h.evictUserCards(r.Context(), req.UserID)
	writeJSONResponse(w, http.StatusOK, redemption)
}

// Apply применяет карту к сумме заказа. Отказ не считается ошибкой: причина возвращается в outcome.
func (h *GiftCardHandler) Apply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req models.ApplyDiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.CardID) == "" || strings.TrimSpace(req.UserID) == "" {
		writeErrorResponse(w, http.StatusBadRequest, "card_id and user_id are required")
		return
	}

	result, err := h.ledger.ApplyDiscount(r.Context(), req.CardID, req.UserID, req.OrderAmount)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to apply gift card")
		return
	}

	if result.Outcome == models.OutcomeApplied {
		h.evictUserCards(r.Context(), append(result.Owners, req.UserID)...)
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// UserCards возвращает карты пользователя
func (h *GiftCardHandler) UserCards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	userID, err := extractUserIDFromPath(r.URL.Path)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	cacheKey := redis.GenerateKey(redis.KeyPrefixUserCards, userID)
	if h.cache != nil {
		var cached []*models.GiftCard
		if err := h.cache.Get(r.Context(), cacheKey, &cached); err == nil {
			h.log.WithUser(userID).Debug("User cards retrieved from cache")
			writeJSONResponse(w, http.StatusOK, cached)
			return
		}
	}

	// одновременные промахи по одному пользователю читают хранилище один раз;
	// загрузка не привязана к запросу, открывшему её, и не прерывается его отменой
	loaded, err, _ := h.loads.Do(cacheKey, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), h.loadTimeout)
		defer cancel()

		cards, err := h.ledger.UserCards(ctx, userID)
		if err != nil {
			return nil, err
		}
		if h.cache != nil {
			if err := h.cache.Set(ctx, cacheKey, cards, h.cacheTTL); err != nil {
				h.log.WithError(err).Error("Failed to cache user cards")
			}
		}
		return cards, nil
	})
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get user cards")
		return
	}

	writeJSONResponse(w, http.StatusOK, loaded.([]*models.GiftCard))
}

// ListPromoCodes возвращает действующие промокоды
func (h *GiftCardHandler) ListPromoCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSONResponse(w, http.StatusOK, h.ledger.ListAvailablePromoCodes())
}

// EvictOnEvent сбрасывает кеш карт пользователя и всех владельцев карты из события; используется консьюмером Kafka.
func (h *GiftCardHandler) EvictOnEvent(ctx context.Context, event *models.Event) error {
	var users []string
	if userID, ok := event.Data["user_id"].(string); ok {
		users = append(users, userID)
	}
	if owners, ok := event.Data["owner_ids"].([]interface{}); ok {
		for _, owner := range owners {
			if id, ok := owner.(string); ok {
				users = append(users, id)
			}
		}
	}
	if len(users) == 0 {
		return nil
	}
	h.log.WithField("event_id", event.ID).WithField("users", users).Debug("Evicting user cards cache")
	h.evictUserCards(ctx, users...)
	return nil
}

func (h *GiftCardHandler) evictUserCards(ctx context.Context, userIDs ...string) {
	if h.cache == nil {
		return
	}
	seen := make(map[string]struct{}, len(userIDs))
	keys := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		keys = append(keys, redis.GenerateKey(redis.KeyPrefixUserCards, userID))
	}
	if len(keys) == 0 {
		return
	}
	if err := h.cache.Delete(ctx, keys...); err != nil {
		h.log.WithError(err).WithField("keys", keys).Error("Failed to invalidate user cards cache")
	}
}
