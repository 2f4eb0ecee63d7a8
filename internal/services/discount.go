package services

import (
	"math"
	"time"

	"discount-ledger/internal/models"
)

// IsValidAt сообщает, что карта не использована и действует строго после момента now.
func IsValidAt(card *models.GiftCard, now time.Time) bool {
	if card == nil {
		return false
	}
	return !card.IsUsed && card.ValidUntil.After(now)
}

// checkEligibility проверяет, можно ли применить карту к заказу.
func checkEligibility(card *models.GiftCard, orderAmount float64, now time.Time) (models.Outcome, bool) {
	if card.IsUsed {
		return models.OutcomeAlreadyRedeemed, false
	}
	if !card.ValidUntil.After(now) {
		return models.OutcomeExpired, false
	}
	if card.MinOrderAmount != nil && orderAmount < *card.MinOrderAmount {
		return models.OutcomeBelowMinimum, false
	}
	return models.OutcomeApplied, true
}

// calculateDiscount считает скидку; результат всегда в диапазоне [0, orderAmount].
func calculateDiscount(card *models.GiftCard, orderAmount float64) float64 {
	if orderAmount <= 0 {
		return 0
	}

	var discount float64
	switch card.Type {
	case models.CardTypeGiftCard:
		discount = math.Min(card.Amount, orderAmount)
	case models.CardTypePromoCode:
		if card.DiscountPercent == nil || *card.DiscountPercent <= 0 {
			return 0
		}
		percent := math.Min(*card.DiscountPercent, 100)
		discount = orderAmount * percent / 100.0
		if card.MaxDiscount != nil && *card.MaxDiscount >= 0 && discount > *card.MaxDiscount {
			discount = *card.MaxDiscount
		}
	default:
		return 0
	}

	if discount < 0 {
		return 0
	}
	discount = round2(discount)
	if discount > orderAmount {
		return orderAmount
	}
	return discount
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
