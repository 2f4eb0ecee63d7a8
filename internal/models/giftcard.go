package models

import (
	"time"

	"github.com/google/uuid"
)

// CardType описывает вид карты.
type CardType string

const (
	CardTypeGiftCard  CardType = "gift-card"
	CardTypePromoCode CardType = "promo-code"
)

// GiftCard представляет подарочную карту или промокод.
type GiftCard struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	Code            string     `json:"code" db:"code"`
	Amount          float64    `json:"amount" db:"amount"`
	Type            CardType   `json:"type" db:"type"`
	DiscountPercent *float64   `json:"discount_percent,omitempty" db:"discount_percent"`
	MaxDiscount     *float64   `json:"max_discount,omitempty" db:"max_discount"`
	MinOrderAmount  *float64   `json:"min_order_amount,omitempty" db:"min_order_amount"`
	ValidUntil      time.Time  `json:"valid_until" db:"valid_until"`
	IsUsed          bool       `json:"is_used" db:"is_used"`
	UsedAt          *time.Time `json:"used_at,omitempty" db:"used_at"`
	UsedBy          *string    `json:"used_by,omitempty" db:"used_by"`
	PurchasedAt     time.Time  `json:"purchased_at" db:"purchased_at"`
	PurchasedBy     *string    `json:"purchased_by,omitempty" db:"purchased_by"`
}

// Clone возвращает независимую копию карты.
func (c *GiftCard) Clone() *GiftCard {
	if c == nil {
		return nil
	}
	cp := *c
	cp.DiscountPercent = cloneFloat(c.DiscountPercent)
	cp.MaxDiscount = cloneFloat(c.MaxDiscount)
	cp.MinOrderAmount = cloneFloat(c.MinOrderAmount)
	if c.UsedAt != nil {
		t := *c.UsedAt
		cp.UsedAt = &t
	}
	cp.UsedBy = cloneString(c.UsedBy)
	cp.PurchasedBy = cloneString(c.PurchasedBy)
	return &cp
}

// UserGiftCard связывает карту с владельцем.
// Card содержит состояние использования с точки зрения этого владельца.
type UserGiftCard struct {
	UserID     string    `json:"user_id" db:"user_id"`
	Card       *GiftCard `json:"card"`
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"`
}

// Outcome описывает результат операции над картой.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeClaimed         Outcome = "claimed"
	OutcomeNotFound        Outcome = "not_found"
	OutcomeAlreadyRedeemed Outcome = "already_redeemed"
	OutcomeBelowMinimum    Outcome = "below_minimum"
	OutcomeExpired         Outcome = "expired"
	OutcomeInvalidAmount   Outcome = "invalid_amount"
)

// Redemption описывает результат ввода кода пользователем.
type Redemption struct {
	Outcome Outcome   `json:"outcome"`
	Card    *GiftCard `json:"card,omitempty"`
}

// DiscountResult описывает результат применения карты к заказу.
// При любом отказе Discount = 0, NewAmount = исходной сумме.
type DiscountResult struct {
	Outcome   Outcome `json:"outcome"`
	Discount  float64 `json:"discount"`
	NewAmount float64 `json:"new_amount"`

	// Owners перечисляет пользователей, у которых изменилось состояние карты; клиенту не отдаётся.
	Owners []string `json:"-"`
}

// IssueGiftCardRequest описывает запрос на покупку подарочной карты.
type IssueGiftCardRequest struct {
	Amount      float64 `json:"amount"`
	PurchaserID string  `json:"purchaser_id"`
}

// RedeemCodeRequest описывает запрос на ввод кода.
type RedeemCodeRequest struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
}

// ApplyDiscountRequest описывает запрос на применение карты при оформлении.
type ApplyDiscountRequest struct {
	CardID      string  `json:"card_id"`
	UserID      string  `json:"user_id"`
	OrderAmount float64 `json:"order_amount"`
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}
