package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"discount-ledger/internal/apperror"
	"discount-ledger/internal/models"

	"github.com/google/uuid"
)

type ownership struct {
	isUsed     bool
	usedAt     *time.Time
	acquiredAt time.Time
}

// MemoryStore хранит карты в памяти процесса для тестов и локального запуска.
// Семантика совпадает с PostgresStore: одна запись на код, владение отдельным отношением.
type MemoryStore struct {
	mu     sync.Mutex
	cards  map[uuid.UUID]*models.GiftCard
	byCode map[string]uuid.UUID
	owners map[string]map[uuid.UUID]*ownership
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cards:  make(map[uuid.UUID]*models.GiftCard),
		byCode: make(map[string]uuid.UUID),
		owners: make(map[string]map[uuid.UUID]*ownership),
	}
}

// CreateOwnedCard сохраняет карту и делает ownerID её владельцем.
func (s *MemoryStore) CreateOwnedCard(ctx context.Context, card *models.GiftCard, ownerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byCode[card.Code]; exists {
		return apperror.Conflict("gift card code already exists", nil)
	}
	s.putLocked(card)
	s.attachLocked(ownerID, card.ID, at)
	return nil
}

// EnsureCard сохраняет карту, если карты с таким кодом ещё нет.
func (s *MemoryStore) EnsureCard(ctx context.Context, card *models.GiftCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byCode[card.Code]; !exists {
		s.putLocked(card)
	}
	return nil
}

// CardByCode возвращает копию карты по коду.
func (s *MemoryStore) CardByCode(ctx context.Context, code string) (*models.GiftCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCode[code]
	if !ok {
		return nil, apperror.NotFound("gift card not found", nil)
	}
	return s.cards[id].Clone(), nil
}

// Attach добавляет карту пользователю. Возвращает false, если она уже у него есть.
func (s *MemoryStore) Attach(ctx context.Context, userID string, cardID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cards[cardID]; !ok {
		return false, apperror.NotFound("gift card not found", nil)
	}
	return s.attachLocked(userID, cardID, at), nil
}

// Owned возвращает карты пользователя в порядке получения.
func (s *MemoryStore) Owned(ctx context.Context, userID string) ([]*models.UserGiftCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owned []*models.UserGiftCard
	for cardID, own := range s.owners[userID] {
		owned = append(owned, s.viewLocked(userID, cardID, own))
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].AcquiredAt.Equal(owned[j].AcquiredAt) {
			return owned[i].Card.Code < owned[j].Card.Code
		}
		return owned[i].AcquiredAt.Before(owned[j].AcquiredAt)
	})
	return owned, nil
}

// OwnedCard возвращает карту cardID, если она принадлежит пользователю.
func (s *MemoryStore) OwnedCard(ctx context.Context, userID string, cardID uuid.UUID) (*models.UserGiftCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	own, ok := s.owners[userID][cardID]
	if !ok {
		return nil, apperror.NotFound("gift card not found", nil)
	}
	return s.viewLocked(userID, cardID, own), nil
}

// Owners возвращает идентификаторы владельцев карты, отсортированные по возрастанию.
func (s *MemoryStore) Owners(ctx context.Context, cardID uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owners []string
	for userID, cards := range s.owners {
		if _, ok := cards[cardID]; ok {
			owners = append(owners, userID)
		}
	}
	sort.Strings(owners)
	return owners, nil
}

// MarkUsed атомарно помечает карту использованной. Возвращает false, если она уже использована.
func (s *MemoryStore) MarkUsed(ctx context.Context, userID string, card *models.GiftCard, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.cards[card.ID]
	if !ok {
		return false, nil
	}
	usedAt := at

	if stored.Type == models.CardTypePromoCode {
		own, ok := s.owners[userID][card.ID]
		if !ok || own.isUsed {
			return false, nil
		}
		own.isUsed = true
		own.usedAt = &usedAt
		return true, nil
	}

	if stored.IsUsed {
		return false, nil
	}
	usedBy := userID
	stored.IsUsed = true
	stored.UsedAt = &usedAt
	stored.UsedBy = &usedBy
	return true, nil
}

// Health всегда успешен для хранилища в памяти.
func (s *MemoryStore) Health() error {
	return nil
}

func (s *MemoryStore) putLocked(card *models.GiftCard) {
	cp := card.Clone()
	s.cards[cp.ID] = cp
	s.byCode[cp.Code] = cp.ID
}

func (s *MemoryStore) attachLocked(userID string, cardID uuid.UUID, at time.Time) bool {
	cards, ok := s.owners[userID]
	if !ok {
		cards = make(map[uuid.UUID]*ownership)
		s.owners[userID] = cards
	}
	if _, exists := cards[cardID]; exists {
		return false
	}
	cards[cardID] = &ownership{acquiredAt: at}
	return true
}

func (s *MemoryStore) viewLocked(userID string, cardID uuid.UUID, own *ownership) *models.UserGiftCard {
	card := s.cards[cardID].Clone()
	if card.Type == models.CardTypePromoCode {
		card.IsUsed = own.isUsed
		card.UsedAt = nil
		card.UsedBy = nil
		if own.isUsed {
			usedAt := *own.usedAt
			usedBy := userID
			card.UsedAt = &usedAt
			card.UsedBy = &usedBy
		}
	}
	return &models.UserGiftCard{
		UserID:     userID,
		Card:       card,
		AcquiredAt: own.acquiredAt,
	}
}
