package booking

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory booking store for demo/development mode.
type MemoryStore struct {
	bookings map[string]*Booking
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
	}
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bookings[b.ID]; exists {
		return ErrBookingExists
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.bookings[b.ID]; !ok {
		return ErrBookingNotFound
	}
	cp := *b
	m.bookings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, account string, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct := strings.ToLower(account)
	var result []*Booking
	for _, b := range m.bookings {
		if b.GuestAccount == acct || b.HostAccount == acct {
			cp := *b
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
