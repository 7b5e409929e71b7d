package crawler

import (
	"context"
	"sync"
)

// MemoryKeySet is a KeySet held in a hash set.
type MemoryKeySet struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewMemoryKeySet seeds a set with keys.
func NewMemoryKeySet(keys ...string) *MemoryKeySet {
	s := &MemoryKeySet{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

// Has reports whether key is present.
func (s *MemoryKeySet) Has(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok, nil
}

// Add inserts key.
func (s *MemoryKeySet) Add(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = struct{}{}
	return nil
}

// Len returns the number of keys.
func (s *MemoryKeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
