package tokenstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process token cache.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates a store that reads time from now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]*Token),
		now:    now,
	}
}

func (m *MemoryStore) Put(_ context.Context, key, value string, staleAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = &Token{Key: key, Value: value, StaleAt: staleAt}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[key]
	if !ok {
		return nil, ErrTokenNotFound
	}
	if tok.IsStale(m.now()) {
		return nil, ErrTokenExpired
	}
	cp := *tok
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	count := 0
	for k, tok := range m.tokens {
		if tok.IsStale(now) {
			delete(m.tokens, k)
			count++
		}
	}
	return count, nil
}
