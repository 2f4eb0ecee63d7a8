package handlers

import (
	"context"
	"time"

	"discount-ledger/internal/models"
	"discount-ledger/internal/services"
)

// ----- Gift cards -----

type GiftCardLedger interface {
	Issue(ctx context.Context, amount float64, purchaserID string) (*models.GiftCard, error)
	RedeemByCode(ctx context.Context, code, userID string) (*models.Redemption, error)
	ApplyDiscount(ctx context.Context, cardID, userID string, orderAmount float64) (*models.DiscountResult, error)
	UserCards(ctx context.Context, userID string) ([]*models.GiftCard, error)
	ListAvailablePromoCodes() []*models.GiftCard
}

type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, keys ...string) error
}

// CodeEntryGuard ведёт счёт неудачных вводов кода пользователем.
type CodeEntryGuard interface {
	Check(ctx context.Context, userID string) (services.WindowState, error)
	Observe(ctx context.Context, userID string, outcome models.Outcome) (services.WindowState, error)
	Limit() int64
}

// ----- Health -----

type DBHealth interface {
	Health() error
}

type RedisHealth interface {
	Health(ctx context.Context) error
}
