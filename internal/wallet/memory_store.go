package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ayodele/kobohold/internal/money"
	"github.com/ayodele/kobohold/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	byRef    map[string]*Entry // "owner:reference" -> entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		byRef:    make(map[string]*Entry),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, owner string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[owner]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{Owner: owner, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Post(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	refKey := entry.Owner + ":" + entry.Reference
	if entry.Reference != "" {
		if _, exists := m.byRef[refKey]; exists {
			return ErrDuplicateReference
		}
	}

	bal, ok := m.balances[entry.Owner]
	if !ok {
		bal = &Balance{Owner: entry.Owner}
		m.balances[entry.Owner] = bal
	}

	if bal.Available+entry.Amount < 0 {
		return ErrInsufficientBalance
	}

	bal.Available += entry.Amount
	if entry.Amount > 0 {
		bal.TotalIn += entry.Amount
	} else {
		bal.TotalOut += -entry.Amount
	}
	bal.UpdatedAt = time.Now()

	cp := *entry
	m.entries = append(m.entries, &cp)
	if entry.Reference != "" {
		m.byRef[refKey] = &cp
	}
	return nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, owner, reference string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if e, ok := m.byRef[owner+":"+reference]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, ErrEntryNotFound
}

func (m *MemoryStore) History(ctx context.Context, owner string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Collect, then sort newest-first with ID as tiebreaker so pagination
	// has a total order matching the postgres store.
	var all []*Entry
	for _, e := range m.entries {
		if e.Owner == owner {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	var result []*Entry
	for _, e := range all {
		if cursor != nil {
			// Only entries strictly before the cursor position.
			if e.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(cursor.CreatedAt) && e.ID >= cursor.ID {
				continue
			}
		}
		cp := *e
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) SumEntries(ctx context.Context, owner string) (money.Kobo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum money.Kobo
	for _, e := range m.entries {
		if e.Owner == owner {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *MemoryStore) SetBalance(ctx context.Context, owner string, available money.Kobo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[owner]
	if !ok {
		bal = &Balance{Owner: owner}
		m.balances[owner] = bal
	}
	bal.Available = available
	bal.UpdatedAt = time.Now()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
