package queue

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-process development
type MemoryStore struct {
	mu      sync.Mutex
	entries [][]byte
	ids     map[string]struct{}
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

// Connect implements Store
func (s *MemoryStore) Connect(context.Context) error { return nil }

// Close implements Store
func (s *MemoryStore) Close() error { return nil }

// Append implements Store
func (s *MemoryStore) Append(_ context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, append([]byte(nil), data...))
	s.ids[id] = struct{}{}
	return nil
}

// Range implements Store
func (s *MemoryStore) Range(context.Context) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.entries))
	copy(out, s.entries)
	return out, nil
}

// Delete implements Store
func (s *MemoryStore) Delete(_ context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if bytes.Equal(e, data) {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	delete(s.ids, id)
	return nil
}

// Exists implements Store
func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok, nil
}
