package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"discount-ledger/internal/apperror"
	"discount-ledger/internal/database"
	"discount-ledger/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// PostgresStore хранит карты в gift_cards, владение в user_gift_cards.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore создаёт хранилище поверх подключения к PostgreSQL.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const cardColumns = `id, code, amount, type, discount_percent, max_discount, min_order_amount,
		valid_until, is_used, used_at, used_by, purchased_at, purchased_by`

const insertCardQuery = `
		INSERT INTO gift_cards (` + cardColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

// CreateOwnedCard сохраняет новую карту и запись владения покупателя в одной транзакции.
func (s *PostgresStore) CreateOwnedCard(ctx context.Context, card *models.GiftCard, ownerID string, at time.Time) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertCardQuery, cardArgs(card)...); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return apperror.Conflict("gift card code already exists", err)
			}
			return fmt.Errorf("failed to create gift card: %w", err)
		}

		attachQuery := `
			INSERT INTO user_gift_cards (user_id, card_id, is_used, acquired_at)
			VALUES ($1, $2, FALSE, $3)
		`
		if _, err := tx.ExecContext(ctx, attachQuery, ownerID, card.ID, at); err != nil {
			return fmt.Errorf("failed to attach gift card: %w", err)
		}
		return nil
	})
}

// EnsureCard сохраняет карту, если карты с таким кодом ещё нет.
func (s *PostgresStore) EnsureCard(ctx context.Context, card *models.GiftCard) error {
	query := insertCardQuery + ` ON CONFLICT (code) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, cardArgs(card)...); err != nil {
		return fmt.Errorf("failed to ensure gift card %s: %w", card.Code, err)
	}
	return nil
}

// CardByCode возвращает единственную запись карты по коду.
func (s *PostgresStore) CardByCode(ctx context.Context, code string) (*models.GiftCard, error) {
	query := `SELECT ` + cardColumns + ` FROM gift_cards WHERE code = $1`

	card, err := scanCard(s.db.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("gift card not found", err)
		}
		return nil, fmt.Errorf("failed to get gift card: %w", err)
	}
	return card, nil
}

// Attach добавляет карту пользователю. Возвращает false, если она уже у него есть.
func (s *PostgresStore) Attach(ctx context.Context, userID string, cardID uuid.UUID, at time.Time) (bool, error) {
	query := `
		INSERT INTO user_gift_cards (user_id, card_id, is_used, acquired_at)
		VALUES ($1, $2, FALSE, $3)
		ON CONFLICT (user_id, card_id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query, userID, cardID, at)
	if err != nil {
		return false, fmt.Errorf("failed to attach gift card: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// ownedSelect сводит состояние использования: для промокода по записи владения, для подарочной карты по самой карте.
const ownedSelect = `
		SELECT c.id, c.code, c.amount, c.type, c.discount_percent, c.max_discount, c.min_order_amount, c.valid_until,
			CASE WHEN c.type = 'promo-code' THEN u.is_used ELSE c.is_used END,
			CASE WHEN c.type = 'promo-code' THEN u.used_at ELSE c.used_at END,
			CASE WHEN c.type = 'promo-code' THEN (CASE WHEN u.is_used THEN u.user_id END) ELSE c.used_by END,
			c.purchased_at, c.purchased_by, u.user_id, u.acquired_at
		FROM user_gift_cards u
		JOIN gift_cards c ON c.id = u.card_id
	`

// Owned возвращает карты пользователя в порядке получения.
func (s *PostgresStore) Owned(ctx context.Context, userID string) ([]*models.UserGiftCard, error) {
	query := ownedSelect + ` WHERE u.user_id = $1 ORDER BY u.acquired_at, c.code`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user gift cards: %w", err)
	}
	defer rows.Close()

	var owned []*models.UserGiftCard
	for rows.Next() {
		o, err := scanOwned(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user gift card: %w", err)
		}
		owned = append(owned, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate user gift cards: %w", err)
	}
	return owned, nil
}

// OwnedCard возвращает карту cardID, если она принадлежит пользователю.
func (s *PostgresStore) OwnedCard(ctx context.Context, userID string, cardID uuid.UUID) (*models.UserGiftCard, error) {
	query := ownedSelect + ` WHERE u.user_id = $1 AND u.card_id = $2`

	o, err := scanOwned(s.db.QueryRowContext(ctx, query, userID, cardID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("gift card not found", err)
		}
		return nil, fmt.Errorf("failed to get user gift card: %w", err)
	}
	return o, nil
}

// Owners возвращает идентификаторы владельцев карты.
func (s *PostgresStore) Owners(ctx context.Context, cardID uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM user_gift_cards WHERE card_id = $1 ORDER BY user_id`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gift card owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan gift card owner: %w", err)
		}
		owners = append(owners, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate gift card owners: %w", err)
	}
	return owners, nil
}

// MarkUsed атомарно переводит карту в использованное состояние (compare-and-set по is_used).
// Возвращает false, если карту уже кто-то использовал.
func (s *PostgresStore) MarkUsed(ctx context.Context, userID string, card *models.GiftCard, at time.Time) (bool, error) {
	var (
		result sql.Result
		err    error
	)
	if card.Type == models.CardTypePromoCode {
		result, err = s.db.ExecContext(ctx, `
			UPDATE user_gift_cards
			SET is_used = TRUE, used_at = $1
			WHERE user_id = $2 AND card_id = $3 AND is_used = FALSE
		`, at, userID, card.ID)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE gift_cards
			SET is_used = TRUE, used_at = $1, used_by = $2
			WHERE id = $3 AND is_used = FALSE
		`, at, userID, card.ID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark gift card used: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Health проверяет доступность базы данных.
func (s *PostgresStore) Health() error {
	return s.db.Health()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCard(row rowScanner) (*models.GiftCard, error) {
	c := &models.GiftCard{}
	if err := row.Scan(
		&c.ID, &c.Code, &c.Amount, &c.Type, &c.DiscountPercent, &c.MaxDiscount, &c.MinOrderAmount,
		&c.ValidUntil, &c.IsUsed, &c.UsedAt, &c.UsedBy, &c.PurchasedAt, &c.PurchasedBy,
	); err != nil {
		return nil, err
	}
	return c, nil
}

func scanOwned(row rowScanner) (*models.UserGiftCard, error) {
	c := &models.GiftCard{}
	o := &models.UserGiftCard{Card: c}
	if err := row.Scan(
		&c.ID, &c.Code, &c.Amount, &c.Type, &c.DiscountPercent, &c.MaxDiscount, &c.MinOrderAmount,
		&c.ValidUntil, &c.IsUsed, &c.UsedAt, &c.UsedBy, &c.PurchasedAt, &c.PurchasedBy,
		&o.UserID, &o.AcquiredAt,
	); err != nil {
		return nil, err
	}
	return o, nil
}

func cardArgs(c *models.GiftCard) []interface{} {
	return []interface{}{
		c.ID, c.Code, c.Amount, c.Type, c.DiscountPercent, c.MaxDiscount, c.MinOrderAmount,
		c.ValidUntil, c.IsUsed, c.UsedAt, c.UsedBy, c.PurchasedAt, c.PurchasedBy,
	}
}
