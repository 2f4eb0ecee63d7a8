package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"discount-ledger/internal/apperror"
	"discount-ledger/internal/config"
	"discount-ledger/internal/logger"
	"discount-ledger/internal/models"

	"github.com/google/uuid"
)

const (
	defaultCodeAttempts = 5
	defaultLockTTL      = 5 * time.Second
	defaultLockWait     = 2 * time.Second
)

// CardStore хранит карты и отношение владения.
type CardStore interface {
	CreateOwnedCard(ctx context.Context, card *models.GiftCard, ownerID string, at time.Time) error
	EnsureCard(ctx context.Context, card *models.GiftCard) error
	CardByCode(ctx context.Context, code string) (*models.GiftCard, error)
	Attach(ctx context.Context, userID string, cardID uuid.UUID, at time.Time) (bool, error)
	Owned(ctx context.Context, userID string) ([]*models.UserGiftCard, error)
	OwnedCard(ctx context.Context, userID string, cardID uuid.UUID) (*models.UserGiftCard, error)
	Owners(ctx context.Context, cardID uuid.UUID) ([]string, error)
	MarkUsed(ctx context.Context, userID string, card *models.GiftCard, at time.Time) (bool, error)
}

// EventPublisher публикует события по картам.
type EventPublisher interface {
	PublishGiftCardIssued(card *models.GiftCard, purchaserID string) error
	PublishGiftCardClaimed(card *models.GiftCard, userID string) error
	PublishGiftCardRedeemed(card *models.GiftCard, userID string, ownerIDs []string, orderAmount, discount float64) error
}

// Ledger выпускает, привязывает и погашает подарочные карты и промокоды.
type Ledger struct {
	store     CardStore
	locker    Locker
	events    EventPublisher
	metrics   *LedgerMetrics
	log       *logger.Logger
	seeds     map[string]*models.GiftCard
	attempts  int
	maxAmount float64
	lockTTL   time.Duration
	lockWait  time.Duration
	now       func() time.Time
}

// NewLedger создаёт ledger. locker и events могут быть nil:
// тогда используется блокировка в памяти процесса, а события не публикуются.
func NewLedger(store CardStore, locker Locker, events EventPublisher, log *logger.Logger, cfg *config.LedgerConfig, seeds []*models.GiftCard) *Ledger {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	l := &Ledger{
		store:    store,
		locker:   locker,
		events:   events,
		log:      log,
		seeds:    make(map[string]*models.GiftCard, len(seeds)),
		attempts: defaultCodeAttempts,
		lockTTL:  defaultLockTTL,
		lockWait: defaultLockWait,
		now:      time.Now,
	}
	if cfg != nil {
		if cfg.CodeAttempts > 0 {
			l.attempts = cfg.CodeAttempts
		}
		if cfg.MaxGiftCardAmount > 0 {
			l.maxAmount = cfg.MaxGiftCardAmount
		}
		if cfg.LockTTLMillis > 0 {
			l.lockTTL = time.Duration(cfg.LockTTLMillis) * time.Millisecond
		}
		if cfg.LockWaitMillis >= 0 {
			l.lockWait = time.Duration(cfg.LockWaitMillis) * time.Millisecond
		}
	}
	for _, seed := range seeds {
		l.seeds[seed.Code] = seed.Clone()
	}
	return l
}

// SetMetrics включает запись метрик операций.
func (l *Ledger) SetMetrics(m *LedgerMetrics) {
	l.metrics = m
}

// SeedPromoCodes сохраняет встроенные промокоды в хранилище, чтобы на них могли ссылаться записи владения.
// После вставки набор перечитывается из хранилища: условия промокода, записанные при первом запуске, действуют для всех инстансов.
func (l *Ledger) SeedPromoCodes(ctx context.Context) error {
	for _, seed := range l.seedList() {
		if err := l.store.EnsureCard(ctx, seed); err != nil {
			return fmt.Errorf("failed to seed promo code %s: %w", seed.Code, err)
		}
		stored, err := l.store.CardByCode(ctx, seed.Code)
		if err != nil {
			return fmt.Errorf("failed to load promo code %s: %w", seed.Code, err)
		}
		if !stored.ValidUntil.Equal(seed.ValidUntil) {
			l.log.WithCard(stored.ID.String(), stored.Code).
				WithField("valid_until", stored.ValidUntil).
				Debug("Promo code keeps stored validity")
		}
		l.seeds[seed.Code] = stored
	}
	l.log.WithField("count", len(l.seeds)).Info("Promo codes seeded")
	return nil
}

// Issue выпускает подарочную карту номиналом amount и закрепляет её за покупателем.
func (l *Ledger) Issue(ctx context.Context, amount float64, purchaserID string) (*models.GiftCard, error) {
	purchaserID = strings.TrimSpace(purchaserID)
	if purchaserID == "" {
		return nil, apperror.Validation("purchaser_id is required", nil)
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return nil, apperror.Validation("amount must be positive", nil)
	}
	if l.maxAmount > 0 && amount > l.maxAmount {
		return nil, apperror.Validation(fmt.Sprintf("amount must not exceed %.2f", l.maxAmount), nil)
	}

	for attempt := 1; attempt <= l.attempts; attempt++ {
		code, err := GenerateCode(CodeLength)
		if err != nil {
			return nil, err
		}
		if _, isSeed := l.seeds[code]; isSeed {
			continue
		}

		issuedAt := l.now()
		purchaser := purchaserID
		card := &models.GiftCard{
			ID:          uuid.New(),
			Code:        code,
			Amount:      round2(amount),
			Type:        models.CardTypeGiftCard,
			ValidUntil:  issuedAt.AddDate(1, 0, 0),
			PurchasedAt: issuedAt,
			PurchasedBy: &purchaser,
		}

		err = l.store.CreateOwnedCard(ctx, card, purchaserID, issuedAt)
		if apperror.Is(err, apperror.KindConflict) {
			l.log.WithField("attempt", attempt).Debug("Gift card code collision, regenerating")
			continue
		}
		if err != nil {
			return nil, err
		}

		l.log.WithCard(card.ID.String(), card.Code).WithField("purchaser_id", purchaserID).Info("Gift card issued")
		l.metrics.observeIssue(card.Amount)
		l.publish("issued", func(p EventPublisher) error { return p.PublishGiftCardIssued(card, purchaserID) })
		return card, nil
	}

	return nil, fmt.Errorf("failed to generate unique gift card code after %d attempts", l.attempts)
}

// RedeemByCode привязывает карту или промокод с кодом code к пользователю.
// Сначала ищет среди встроенных промокодов, затем среди всех выпущенных карт.
func (l *Ledger) RedeemByCode(ctx context.Context, code, userID string) (*models.Redemption, error) {
	code = NormalizeCode(code)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperror.Validation("user_id is required", nil)
	}
	if code == "" {
		return &models.Redemption{Outcome: models.OutcomeNotFound}, nil
	}

	card, ok := l.seeds[code]
	if ok {
		card = card.Clone()
	} else {
		found, err := l.store.CardByCode(ctx, code)
		if apperror.Is(err, apperror.KindNotFound) {
			return l.deny(userID, code, models.OutcomeNotFound), nil
		}
		if err != nil {
			return nil, err
		}
		card = found
	}

	// для промокода источник никогда не помечается использованным, проверяется запись владения
	if card.Type != models.CardTypePromoCode && card.IsUsed {
		return l.deny(userID, code, models.OutcomeNotFound), nil
	}
	if !card.ValidUntil.After(l.now()) {
		return l.deny(userID, code, models.OutcomeExpired), nil
	}

	attached, err := l.store.Attach(ctx, userID, card.ID, l.now())
	if err != nil {
		return nil, err
	}
	if !attached && card.Type == models.CardTypePromoCode {
		return l.deny(userID, code, models.OutcomeAlreadyRedeemed), nil
	}

	owned, err := l.store.OwnedCard(ctx, userID, card.ID)
	if err != nil {
		return nil, err
	}

	l.metrics.observeClaim(models.OutcomeClaimed)
	if attached {
		l.log.WithCard(card.ID.String(), card.Code).WithField("user_id", userID).Info("Card claimed")
		l.publish("claimed", func(p EventPublisher) error { return p.PublishGiftCardClaimed(owned.Card, userID) })
	}
	return &models.Redemption{Outcome: models.OutcomeClaimed, Card: owned.Card}, nil
}

// ApplyDiscount применяет карту пользователя к сумме заказа и погашает её.
// Любой отказ возвращает {0, orderAmount} с причиной в Outcome; ошибка возвращается только при сбое инфраструктуры.
func (l *Ledger) ApplyDiscount(ctx context.Context, cardID, userID string, orderAmount float64) (*models.DiscountResult, error) {
	var cardType models.CardType
	noop := func(outcome models.Outcome) *models.DiscountResult {
		l.metrics.observeApply(cardType, outcome, 0)
		return &models.DiscountResult{Outcome: outcome, Discount: 0, NewAmount: orderAmount}
	}

	if math.IsNaN(orderAmount) || math.IsInf(orderAmount, 0) || orderAmount < 0 {
		return noop(models.OutcomeInvalidAmount), nil
	}
	id, err := uuid.Parse(strings.TrimSpace(cardID))
	if err != nil {
		return noop(models.OutcomeNotFound), nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return noop(models.OutcomeNotFound), nil
	}

	unlock, err := l.locker.Lock(ctx, "redeem:"+id.String(), l.lockTTL, l.lockWait)
	if err != nil {
		if errors.Is(err, ErrLockBusy) {
			return nil, apperror.Conflict("gift card redemption is already in progress", err)
		}
		return nil, fmt.Errorf("failed to lock gift card: %w", err)
	}
	defer unlock()

	owned, err := l.store.OwnedCard(ctx, userID, id)
	if apperror.Is(err, apperror.KindNotFound) {
		return noop(models.OutcomeNotFound), nil
	}
	if err != nil {
		return nil, err
	}
	card := owned.Card
	cardType = card.Type

	now := l.now()
	if outcome, ok := checkEligibility(card, orderAmount, now); !ok {
		l.log.WithCard(card.ID.String(), card.Code).WithFields(map[string]interface{}{
			"user_id": userID,
			"outcome": outcome,
		}).Debug("Discount denied")
		return noop(outcome), nil
	}

	discount := calculateDiscount(card, orderAmount)

	marked, err := l.store.MarkUsed(ctx, userID, card, now)
	if err != nil {
		return nil, err
	}
	if !marked {
		return noop(models.OutcomeAlreadyRedeemed), nil
	}

	newAmount := round2(math.Max(0, orderAmount-discount))
	owners := l.affectedOwners(ctx, card, userID)
	l.log.WithCard(card.ID.String(), card.Code).WithFields(map[string]interface{}{
		"user_id":      userID,
		"order_amount": orderAmount,
		"discount":     discount,
	}).Info("Card redeemed")
	l.metrics.observeApply(card.Type, models.OutcomeApplied, discount)
	l.publish("redeemed", func(p EventPublisher) error {
		return p.PublishGiftCardRedeemed(card, userID, owners, orderAmount, discount)
	})

	return &models.DiscountResult{Outcome: models.OutcomeApplied, Discount: discount, NewAmount: newAmount, Owners: owners}, nil
}

// affectedOwners возвращает пользователей, чьи списки карт изменило погашение.
// Подарочная карта одна на всех владельцев, промокод расходуется только у погасившего.
func (l *Ledger) affectedOwners(ctx context.Context, card *models.GiftCard, userID string) []string {
	if card.Type == models.CardTypePromoCode {
		return []string{userID}
	}
	owners, err := l.store.Owners(ctx, card.ID)
	if err != nil {
		l.log.WithCard(card.ID.String(), card.Code).WithError(err).Warn("Failed to list gift card owners")
		return []string{userID}
	}
	for _, owner := range owners {
		if owner == userID {
			return owners
		}
	}
	return append(owners, userID)
}

// IsValid сообщает, что карта не использована и срок её действия ещё не истёк.
func (l *Ledger) IsValid(card *models.GiftCard) bool {
	return IsValidAt(card, l.now())
}

// ListAvailablePromoCodes возвращает действующие встроенные промокоды, отсортированные по коду.
func (l *Ledger) ListAvailablePromoCodes() []*models.GiftCard {
	available := make([]*models.GiftCard, 0, len(l.seeds))
	for _, seed := range l.seedList() {
		if l.IsValid(seed) {
			available = append(available, seed.Clone())
		}
	}
	return available
}

// UserCards возвращает карты пользователя с его состоянием использования.
func (l *Ledger) UserCards(ctx context.Context, userID string) ([]*models.GiftCard, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperror.Validation("user_id is required", nil)
	}

	owned, err := l.store.Owned(ctx, userID)
	if err != nil {
		return nil, err
	}
	cards := make([]*models.GiftCard, 0, len(owned))
	for _, o := range owned {
		cards = append(cards, o.Card)
	}
	return cards, nil
}

// NormalizeCode приводит введённый код к каноническому виду.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (l *Ledger) seedList() []*models.GiftCard {
	list := make([]*models.GiftCard, 0, len(l.seeds))
	for _, seed := range l.seeds {
		list = append(list, seed)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Code < list[j].Code })
	return list
}

func (l *Ledger) deny(userID, code string, outcome models.Outcome) *models.Redemption {
	l.metrics.observeClaim(outcome)
	l.log.WithFields(map[string]interface{}{
		"user_id": userID,
		"code":    code,
		"outcome": outcome,
	}).Debug("Code redemption denied")
	return &models.Redemption{Outcome: outcome}
}

func (l *Ledger) publish(name string, fn func(p EventPublisher) error) {
	if l.events == nil {
		return
	}
	if err := fn(l.events); err != nil {
		l.log.WithError(err).WithField("event", name).Warn("Failed to publish gift card event")
	}
}
