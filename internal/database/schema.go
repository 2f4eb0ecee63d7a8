package database

import (
	"context"
	"fmt"
)

// schemaStatements создают таблицы карт и владения.
// Статус использования промокода хранится в user_gift_cards (одно использование на пользователя),
// подарочной карты в gift_cards (одно использование на всю систему).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS gift_cards (
		id               UUID PRIMARY KEY,
		code             VARCHAR(32) NOT NULL UNIQUE,
		amount           NUMERIC(12,2) NOT NULL DEFAULT 0,
		type             VARCHAR(16) NOT NULL,
		discount_percent NUMERIC(5,2),
		max_discount     NUMERIC(12,2),
		min_order_amount NUMERIC(12,2),
		valid_until      TIMESTAMPTZ NOT NULL,
		is_used          BOOLEAN NOT NULL DEFAULT FALSE,
		used_at          TIMESTAMPTZ,
		used_by          VARCHAR(64),
		purchased_at     TIMESTAMPTZ NOT NULL,
		purchased_by     VARCHAR(64)
	)`,
	`CREATE TABLE IF NOT EXISTS user_gift_cards (
		user_id     VARCHAR(64) NOT NULL,
		card_id     UUID NOT NULL REFERENCES gift_cards(id),
		is_used     BOOLEAN NOT NULL DEFAULT FALSE,
		used_at     TIMESTAMPTZ,
		acquired_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, card_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_gift_cards_card_id ON user_gift_cards (card_id)`,
}

// Migrate создает схему, если её ещё нет.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	if db.log != nil {
		db.log.WithField("statements", len(schemaStatements)).Info("Database schema is up to date")
	}
	return nil
}
