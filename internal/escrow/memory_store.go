package escrow

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[r.BookingID]; exists {
		return ErrRecordExists
	}
	cp := *r
	m.records[r.BookingID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, bookingID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[bookingID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *rec
	return &cp, nil
}

// Update applies a compare-and-swap on Version: the stored record must
// still carry the version the caller read.
func (m *MemoryStore) Update(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[r.BookingID]
	if !ok {
		return ErrRecordNotFound
	}
	if stored.Version != r.Version {
		return ErrVersionConflict
	}

	cp := *r
	cp.Version++
	m.records[r.BookingID] = &cp
	r.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByAccount(ctx context.Context, account string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct := strings.ToLower(account)
	var result []*Record
	for _, r := range m.records {
		if r.GuestAccount == acct || r.HostAccount == acct {
			cp := *r
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredRequests(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if r.Status == StatusPaymentRequested && r.RequestDeadline != nil && !r.RequestDeadline.After(before) {
			cp := *r
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
