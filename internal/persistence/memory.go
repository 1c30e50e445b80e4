package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore keeps JSON-encoded entities in a map. Callers get copies, so
// mutating a loaded entity never changes stored state until it is saved.
// Used in tests and for ephemeral runs without Postgres.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Load(_ context.Context, kind, id string, out Entity) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[entityKey(kind, id)]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	return true, nil
}

func (s *MemoryStore) Save(_ context.Context, e Entity) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrEncode, e.EntityKind(), e.EntityID(), err)
	}
	s.mu.Lock()
	s.data[entityKey(e.EntityKind(), e.EntityID())] = raw
	s.mu.Unlock()
	return nil
}

// SaveBatch encodes everything first so a bad entity leaves the store
// untouched.
func (s *MemoryStore) SaveBatch(_ context.Context, entities []Entity) error {
	encoded := make(map[string][]byte, len(entities))
	for _, e := range entities {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("%w: %s %s: %v", ErrEncode, e.EntityKind(), e.EntityID(), err)
		}
		encoded[entityKey(e.EntityKind(), e.EntityID())] = raw
	}
	s.mu.Lock()
	for k, v := range encoded {
		s.data[k] = v
	}
	s.mu.Unlock()
	return nil
}

// Count returns how many entities of kind are stored.
func (s *MemoryStore) Count(kind string) int {
	prefix := kind + ":"
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}
