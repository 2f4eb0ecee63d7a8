package services

import (
	"time"

	"discount-ledger/internal/models"

	"github.com/google/uuid"
)

// seedNamespace задаёт пространство имён для стабильных идентификаторов встроенных промокодов.
var seedNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("discount-ledger/promo-codes"))

// SeedID возвращает детерминированный идентификатор встроенного промокода.
func SeedID(code string) uuid.UUID {
	return uuid.NewSHA1(seedNamespace, []byte(code))
}

// DefaultPromoCodes возвращает встроенный набор промокодов; срок действия отсчитывается от startedAt.
func DefaultPromoCodes(startedAt time.Time) []*models.GiftCard {
	validUntil := startedAt.AddDate(1, 0, 0)
	return []*models.GiftCard{
		promo("WELCOME10", 10, ptr(2000), nil, validUntil, startedAt),
		promo("EARLY25", 25, nil, ptr(5000), validUntil, startedAt),
		promo("LONGSTAY15", 15, ptr(3000), ptr(3000), validUntil, startedAt),
		promo("HOSTEL5", 5, nil, nil, validUntil, startedAt),
		promo("SPRING20", 20, ptr(4000), nil, time.Date(2025, time.May, 31, 23, 59, 59, 0, time.UTC), startedAt),
	}
}

func promo(code string, percent float64, maxDiscount, minOrder *float64, validUntil, createdAt time.Time) *models.GiftCard {
	return &models.GiftCard{
		ID:              SeedID(code),
		Code:            code,
		Amount:          0,
		Type:            models.CardTypePromoCode,
		DiscountPercent: ptr(percent),
		MaxDiscount:     maxDiscount,
		MinOrderAmount:  minOrder,
		ValidUntil:      validUntil,
		PurchasedAt:     createdAt,
	}
}

func ptr(v float64) *float64 {
	return &v
}
