package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in process memory. Nothing survives a
// restart; use it where resume across restarts is not wanted.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]Checkpoint
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]Checkpoint)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &cp, nil
}

func (s *MemoryStore) Put(_ context.Context, key Key, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = *cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, cp := range s.entries {
		if cp.SavedAt.Before(cutoff) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored checkpoints
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
