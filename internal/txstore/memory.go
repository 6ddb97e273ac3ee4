package txstore

import (
	"context"
	"sync"
)

// MemoryStore is mostly for testing. Nothing survives a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Get(_ context.Context, txID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[txID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) Put(_ context.Context, txID string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prev *Record
	if existing, ok := m.data[txID]; ok {
		prev = &existing
	}
	if err := CheckTransition(prev, rec); err != nil {
		return err
	}
	m.data[txID] = rec
	return nil
}

// Len reports how many records are held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
