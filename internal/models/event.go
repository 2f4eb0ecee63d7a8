package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType представляет тип события
type EventType string

const (
	EventTypeGiftCardIssued   EventType = "giftcard.issued"
	EventTypeGiftCardClaimed  EventType = "giftcard.claimed"
	EventTypeGiftCardRedeemed EventType = "giftcard.redeemed"
)

// Event представляет событие в системе
type Event struct {
	ID        uuid.UUID              `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// GiftCardEventData содержит данные событий по картам
type GiftCardEventData struct {
	CardID      uuid.UUID `json:"card_id"`
	Code        string    `json:"code"`
	Type        CardType  `json:"type"`
	UserID      string    `json:"user_id"`
	OwnerIDs    []string  `json:"owner_ids,omitempty"`
	Amount      float64   `json:"amount,omitempty"`
	OrderAmount float64   `json:"order_amount,omitempty"`
	Discount    float64   `json:"discount,omitempty"`
}
