package creds

import (
	"sync"

	"github.com/TheMichaelB/notesync/internal/models"
)

// MemoryStore keeps credentials in process memory. Used by tests and
// short-lived sessions that must not touch disk.
type MemoryStore struct {
	mu   sync.RWMutex
	pair models.TokenPair

	// Saves counts successful writes.
	Saves int
}

// NewMemoryStore creates a store, optionally seeded with a pair.
func NewMemoryStore(pair models.TokenPair) *MemoryStore {
	return &MemoryStore{pair: pair}
}

func (m *MemoryStore) Read() (models.TokenPair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pair.Empty() {
		return models.TokenPair{}, models.ErrNotAuthenticated
	}
	return m.pair, nil
}

func (m *MemoryStore) Save(pair models.TokenPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pair = pair
	m.Saves++
	return nil
}

func (m *MemoryStore) SaveAccessToken(access string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pair.Empty() {
		return models.ErrNotAuthenticated
	}
	m.pair.Access = access
	m.Saves++
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pair = models.TokenPair{}
	return nil
}

var (
	_ Credentials = (*Store)(nil)
	_ Credentials = (*MemoryStore)(nil)
)
