package credpool

import (
	"context"
	"sync"
	"time"
)

// MemoryWindowStore implements WindowCounterStore with in-process maps.
// Suitable for a single service instance; each instance enforces its own
// limits when the service is replicated.
type MemoryWindowStore struct {
	mu      sync.Mutex
	records map[string]*WindowRecord
}

// NewMemoryWindowStore creates an empty in-process window store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{records: make(map[string]*WindowRecord)}
}

// PeekWindow implements WindowCounterStore.
func (s *MemoryWindowStore) PeekWindow(_ context.Context, key string) (*WindowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	recCopy := *rec
	return &recCopy, nil
}

// IncrWindow implements WindowCounterStore.
func (s *MemoryWindowStore) IncrWindow(_ context.Context, key string, window time.Duration, now time.Time) (*WindowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !now.Before(rec.ResetTime) {
		rec = &WindowRecord{Count: 1, ResetTime: now.Add(window), LastSeen: now}
		s.records[key] = rec
	} else {
		rec.Count++
		rec.LastSeen = now
	}
	recCopy := *rec
	return &recCopy, nil
}

// DeleteWindows implements WindowCounterStore.
func (s *MemoryWindowStore) DeleteWindows(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.records, key)
	}
	return nil
}

// SweepExpired implements WindowCounterStore.
func (s *MemoryWindowStore) SweepExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, rec := range s.records {
		if !now.Before(rec.ResetTime) {
			delete(s.records, key)
		}
	}
	return nil
}

// Len returns the number of live records (useful for tests).
func (s *MemoryWindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
