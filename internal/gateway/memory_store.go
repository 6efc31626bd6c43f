package gateway

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory capture store for demo/development mode.
type MemoryStore struct {
	byRef map[string]*Capture
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory capture store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byRef: make(map[string]*Capture),
	}
}

func (m *MemoryStore) Create(ctx context.Context, c *Capture) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byRef[c.Reference]; exists {
		return ErrDuplicateCapture
	}
	cp := *c
	m.byRef[c.Reference] = &cp
	return nil
}

func (m *MemoryStore) GetByReference(ctx context.Context, reference string) (*Capture, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.byRef[reference]
	if !ok {
		return nil, ErrCaptureNotFound
	}
	cp := *c
	return &cp, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
