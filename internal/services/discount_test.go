package services

import (
	"testing"
	"time"

	"discount-ledger/internal/models"
)

func TestCalculateDiscount(t *testing.T) {
	gift := &models.GiftCard{Type: models.CardTypeGiftCard, Amount: 5000}
	cases := []struct {
		name  string
		card  *models.GiftCard
		order float64
		want  float64
	}{
		{"gift covers part of order", gift, 3000, 3000},
		{"gift below order", gift, 8000, 5000},
		{"gift on empty order", gift, 0, 0},
		{"promo percent", &models.GiftCard{Type: models.CardTypePromoCode, DiscountPercent: ptr(25)}, 10000, 2500},
		{"promo capped", &models.GiftCard{Type: models.CardTypePromoCode, DiscountPercent: ptr(10), MaxDiscount: ptr(2000)}, 50000, 2000},
		{"promo over hundred percent", &models.GiftCard{Type: models.CardTypePromoCode, DiscountPercent: ptr(150)}, 1200, 1200},
		{"promo without percent", &models.GiftCard{Type: models.CardTypePromoCode}, 1200, 0},
		{"promo rounding", &models.GiftCard{Type: models.CardTypePromoCode, DiscountPercent: ptr(10)}, 33.33, 3.33},
		{"unknown type", &models.GiftCard{Type: "voucher", Amount: 100}, 1200, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := calculateDiscount(tc.card, tc.order); got != tc.want {
				t.Fatalf("expected %.2f, got %.2f", tc.want, got)
			}
		})
	}
}

func TestCheckEligibility(t *testing.T) {
	now := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	valid := now.Add(24 * time.Hour)

	cases := []struct {
		name  string
		card  *models.GiftCard
		order float64
		want  models.Outcome
		ok    bool
	}{
		{"eligible", &models.GiftCard{ValidUntil: valid}, 100, models.OutcomeApplied, true},
		{"used", &models.GiftCard{ValidUntil: valid, IsUsed: true}, 100, models.OutcomeAlreadyRedeemed, false},
		{"expired", &models.GiftCard{ValidUntil: now}, 100, models.OutcomeExpired, false},
		{"below minimum", &models.GiftCard{ValidUntil: valid, MinOrderAmount: ptr(5000)}, 4999.99, models.OutcomeBelowMinimum, false},
		{"exactly minimum", &models.GiftCard{ValidUntil: valid, MinOrderAmount: ptr(5000)}, 5000, models.OutcomeApplied, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := checkEligibility(tc.card, tc.order, now)
			if got != tc.want || ok != tc.ok {
				t.Fatalf("expected %s/%v, got %s/%v", tc.want, tc.ok, got, ok)
			}
		})
	}
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := GenerateCode(CodeLength)
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if !codePattern.MatchString(code) {
			t.Fatalf("unexpected code %q", code)
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 190 {
		t.Fatalf("expected mostly unique codes, got %d distinct", len(seen))
	}
}

func TestDefaultPromoCodes(t *testing.T) {
	start := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	seeds := DefaultPromoCodes(start)
	if len(seeds) != 5 {
		t.Fatalf("expected 5 seed promo codes, got %d", len(seeds))
	}

	for _, seed := range seeds {
		if seed.Type != models.CardTypePromoCode || seed.DiscountPercent == nil {
			t.Fatalf("unexpected seed %+v", seed)
		}
		if seed.ID != SeedID(seed.Code) {
			t.Fatalf("seed %s has unstable id", seed.Code)
		}
		if seed.Code == "SPRING20" {
			if IsValidAt(seed, start) {
				t.Fatalf("SPRING20 must be expired")
			}
			continue
		}
		if !seed.ValidUntil.Equal(start.AddDate(1, 0, 0)) {
			t.Fatalf("seed %s: unexpected validity %v", seed.Code, seed.ValidUntil)
		}
	}

	if SeedID("EARLY25") == SeedID("WELCOME10") {
		t.Fatalf("seed ids must differ per code")
	}
}
