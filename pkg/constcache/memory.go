package constcache

import (
	"sync"

	"github.com/fortiblox/mirvm/internal/types"
)

// MemoryStore keeps compressed entries in a map. It is the default store
// and the one used in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[types.Hash][]byte
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[types.Hash][]byte)}
}

// Get implements Store.
func (s *MemoryStore) Get(key types.Hash) ([]byte, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	data, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decompress(data)
}

// Put implements Store.
func (s *MemoryStore) Put(key types.Hash, value []byte) error {
	data, err := compress(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[key] = data
	return nil
}

// Has implements Store.
func (s *MemoryStore) Has(key types.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.entries[key]
	return ok, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(key types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, key)
	return nil
}

// Len implements Store.
func (s *MemoryStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.entries), nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}
