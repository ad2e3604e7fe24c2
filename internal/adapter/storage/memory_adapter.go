package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/grocery-booking/internal/core/domain"
)

// MemoryStore is an in-process catalog and stock ledger. The map lock only
// guards membership; each item carries its own mutex so reservations on
// different items never contend.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*memItem
}

type memItem struct {
	mu      sync.Mutex
	item    domain.Item
	holds   map[string]int
	deleted bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*memItem)}
}

// Seed inserts or replaces an item with the given id and stock.
func (s *MemoryStore) Seed(itemID, name string, quantity int) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[itemID] = &memItem{item: domain.Item{
		ID:        itemID,
		Name:      name,
		Quantity:  quantity,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}}
}

func (s *MemoryStore) lookup(itemID string) *memItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[itemID]
}

func (s *MemoryStore) TryReserve(ctx context.Context, holdID, itemID string, quantity int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if quantity <= 0 {
		return &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}

	it := s.lookup(itemID)
	if it == nil {
		return domain.NotFound(itemID)
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.deleted {
		return domain.NotFound(itemID)
	}
	if _, ok := it.holds[holdID]; ok {
		return nil
	}
	if it.item.Quantity < quantity {
		return domain.InsufficientStock(itemID)
	}
	it.item.Quantity -= quantity
	it.item.Version++
	if it.holds == nil {
		it.holds = make(map[string]int)
	}
	it.holds[holdID] = quantity
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, holdID, itemID string, quantity int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	it := s.lookup(itemID)
	if it == nil {
		return domain.NotFound(itemID)
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.deleted {
		return domain.NotFound(itemID)
	}
	if _, ok := it.holds[holdID]; !ok {
		return nil
	}
	delete(it.holds, holdID)
	it.item.Quantity += quantity
	it.item.Version++
	return nil
}

func (s *MemoryStore) CreateItem(ctx context.Context, item domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = &memItem{item: item}
	return nil
}

func (s *MemoryStore) GetItem(ctx context.Context, itemID string) (domain.Item, error) {
	it := s.lookup(itemID)
	if it == nil {
		return domain.Item{}, domain.NotFound(itemID)
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.deleted {
		return domain.Item{}, domain.NotFound(itemID)
	}
	return it.item, nil
}

func (s *MemoryStore) ListItems(ctx context.Context) ([]domain.Item, error) {
	return s.list(func(domain.Item) bool { return true }), nil
}

func (s *MemoryStore) ListAvailable(ctx context.Context) ([]domain.Item, error) {
	return s.list(func(item domain.Item) bool { return item.Quantity > 0 }), nil
}

func (s *MemoryStore) list(keep func(domain.Item) bool) []domain.Item {
	s.mu.RLock()
	entries := make([]*memItem, 0, len(s.items))
	for _, it := range s.items {
		entries = append(entries, it)
	}
	s.mu.RUnlock()

	items := make([]domain.Item, 0, len(entries))
	for _, it := range entries {
		it.mu.Lock()
		item, deleted := it.item, it.deleted
		it.mu.Unlock()
		if !deleted && keep(item) {
			items = append(items, item)
		}
	}
	sortItems(items)
	return items
}

func (s *MemoryStore) UpdateItem(ctx context.Context, item domain.Item) (domain.Item, error) {
	it := s.lookup(item.ID)
	if it == nil {
		return domain.Item{}, domain.NotFound(item.ID)
	}

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.deleted {
		return domain.Item{}, domain.NotFound(item.ID)
	}
	if it.item.Version != item.Version {
		return domain.Item{}, domain.ErrVersionConflict
	}
	item.CreatedAt = it.item.CreatedAt
	item.Version++
	it.item = item
	return item, nil
}

func (s *MemoryStore) DeleteItem(ctx context.Context, itemID string) error {
	s.mu.Lock()
	it, ok := s.items[itemID]
	delete(s.items, itemID)
	s.mu.Unlock()
	if !ok {
		return domain.NotFound(itemID)
	}

	// A reservation may still hold the pointer it looked up before the delete.
	it.mu.Lock()
	it.deleted = true
	it.mu.Unlock()
	return nil
}

func sortItems(items []domain.Item) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
	byUser map[string][]string
}

func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{
		orders: make(map[string]domain.Order),
		byUser: make(map[string][]string),
	}
}

func (s *MemoryOrderStore) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Lines = append([]domain.OrderLine(nil), order.Lines...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.orders[order.ID]; ok {
		return copyOrder(existing), nil
	}
	s.orders[order.ID] = order
	s.byUser[order.UserID] = append(s.byUser[order.UserID], order.ID)
	return copyOrder(order), nil
}

func (s *MemoryOrderStore) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return copyOrder(order), nil
}

func (s *MemoryOrderStore) ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	orders := make([]domain.Order, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		orders = append(orders, copyOrder(s.orders[ids[i]]))
	}
	return orders, nil
}

func copyOrder(o domain.Order) domain.Order {
	o.Lines = append([]domain.OrderLine(nil), o.Lines...)
	return o
}

// MemoryIdempotency keeps claimed keys for the life of the process.
type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[string]struct{})}
}

func (m *MemoryIdempotency) Claim(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = struct{}{}
	return true, nil
}

func (m *MemoryIdempotency) Forget(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}
