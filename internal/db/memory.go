package db

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/js-owl/maas-back/internal/models"
)

// MemoryStore is an in-process store with the same contract as Store
type MemoryStore struct {
	mu     sync.Mutex
	orders map[int64]models.Order
	users  map[int64]models.User
	fail   error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[int64]models.Order),
		users:  make(map[int64]models.User),
	}
}

func (m *MemoryStore) PutOrder(o models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	m.orders[o.ID] = o
}

func (m *MemoryStore) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	m.users[u.ID] = u
}

func (m *MemoryStore) DeleteOrder(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, id)
}

// FailWith makes every subsequent call return err until reset with nil
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MemoryStore) GetOrder(_ context.Context, id int64) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return models.Order{}, m.fail
	}
	o, ok := m.orders[id]
	if !ok {
		return o, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return o, nil
}

func (m *MemoryStore) FindOrderByDealID(_ context.Context, dealID int64) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return models.Order{}, m.fail
	}
	var found []models.Order
	for _, o := range m.orders {
		if o.RemoteDealID != nil && *o.RemoteDealID == dealID {
			found = append(found, o)
		}
	}
	if len(found) == 0 {
		return models.Order{}, fmt.Errorf("order for deal %d: %w", dealID, ErrNotFound)
	}
	slices.SortFunc(found, func(a, b models.Order) int { return cmp.Compare(a.ID, b.ID) })
	return found[0], nil
}

func (m *MemoryStore) ListOrdersWithDeal(context.Context) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []models.Order
	for _, o := range m.orders {
		if o.RemoteDealID != nil {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b models.Order) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) ListUnlinkedOrders(_ context.Context, before time.Time) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []models.Order
	for _, o := range m.orders {
		if o.RemoteDealID == nil && o.UpdatedAt.Before(before) {
			out = append(out, o)
		}
	}
	slices.SortFunc(out, func(a, b models.Order) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) ListUnlinkedUsers(_ context.Context, before time.Time) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []models.User
	for _, u := range m.users {
		if u.RemoteContactID == nil && u.UpdatedAt.Before(before) {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b models.User) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *MemoryStore) UpdateOrderStatus(_ context.Context, id int64, status models.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	m.orders[id] = o
	return nil
}

func (m *MemoryStore) SetOrderDealID(_ context.Context, id, dealID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	o, ok := m.orders[id]
	if !ok || o.RemoteDealID != nil {
		return false, nil
	}
	o.RemoteDealID = &dealID
	m.orders[id] = o
	return true, nil
}

func (m *MemoryStore) ReplaceOrderDealID(_ context.Context, id, dealID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	o.RemoteDealID = &dealID
	m.orders[id] = o
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id int64) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return models.User{}, m.fail
	}
	u, ok := m.users[id]
	if !ok {
		return u, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	return u, nil
}

func (m *MemoryStore) SetUserContactID(_ context.Context, id, contactID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	u, ok := m.users[id]
	if !ok || u.RemoteContactID != nil {
		return false, nil
	}
	u.RemoteContactID = &contactID
	m.users[id] = u
	return true, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fail
}
