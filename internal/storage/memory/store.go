package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// Store: in-memory хранилище каталога, заказов и outbox для локальной разработки и тестов.
//
// Одна блокировка на всё хранилище: транзакция держит её эксклюзивно от начала
// до коммита или отката, поэтому параллельные транзакции сериализуются и
// проверка стока с его уменьшением не разрываются чужими записями.
type Store struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	orders   map[string]domain.Order
	outbox   []*outboxRecord
	byID     map[string]*outboxRecord
	now      func() time.Time
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
		byID:     make(map[string]*outboxRecord),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UpsertProduct добавляет товар в каталог или заменяет существующий.
func (s *Store) UpsertProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.products[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.products[p.ID] = p
}

// SeedProducts добавляет товары, которых ещё нет в каталоге. Возвращает число добавленных.
func (s *Store) SeedProducts(ctx context.Context, products []domain.Product) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	inserted := 0
	for _, p := range products {
		if _, exists := s.products[p.ID]; exists {
			continue
		}
		p.CreatedAt, p.UpdatedAt = now, now
		s.products[p.ID] = p
		inserted++
	}
	return inserted, nil
}

// Product возвращает товар независимо от активности (используется в тестах и сидере).
func (s *Store) Product(id string) (domain.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	return p, ok
}

// FindProductsByIDs возвращает активные товары из списка, неизвестные id пропускаются.
func (s *Store) FindProductsByIDs(ctx context.Context, ids []string) ([]domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(ids))
	result := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		p, ok := s.products[id]
		if !ok || !p.IsActive {
			continue
		}
		result = append(result, p)
	}
	return result, nil
}

// FindProductByID возвращает товар или ErrProductNotFound.
func (s *Store) FindProductByID(ctx context.Context, id string) (domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return domain.Product{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[strings.TrimSpace(id)]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

// GetOrder возвращает заказ с позициями или ErrOrderNotFound.
func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// ListOrdersByUser возвращает заказы пользователя, ограничивая выборку limit (если >0).
func (s *Store) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range s.orders {
		if order.UserID != userID {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = append([]domain.OrderItem(nil), src.Items...)
	return dst
}

var (
	_ domain.CatalogReader    = (*Store)(nil)
	_ domain.OrderReader      = (*Store)(nil)
	_ domain.TxManager        = (*Store)(nil)
	_ domain.OutboxRepository = (*Store)(nil)
)
