package deadlock

import (
	"context"
	"sync"
)

// CounterStore tracks resolution attempts per cycle identity.
//
// The in-memory store is lost on restart, so a restarted coordinator starts
// every cycle from zero. Multi-instance deployments share counters through
// RedisCounterStore.
type CounterStore interface {
	// Increment adds one to the counter for key and returns the new value.
	Increment(ctx context.Context, key string) (int, error)
	// Get returns the current value, zero if unset.
	Get(ctx context.Context, key string) (int, error)
	// Reset clears the counter for key.
	Reset(ctx context.Context, key string) error
}

// MemoryCounterStore is a process-local CounterStore.
type MemoryCounterStore struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counts: make(map[string]int)}
}

// Increment implements CounterStore.
func (s *MemoryCounterStore) Increment(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	return s.counts[key], nil
}

// Get implements CounterStore.
func (s *MemoryCounterStore) Get(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key], nil
}

// Reset implements CounterStore.
func (s *MemoryCounterStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, key)
	return nil
}
