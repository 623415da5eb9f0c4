package counter

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

// MemoryStore keeps counters in memory. Used for tests and single-node
// deployments without a shared store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry

	// nowFunc is swapped in tests to control window expiry.
	nowFunc func() time.Time
}

// NewMemoryStore returns a new in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (s *MemoryStore) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = fn
}

// Increment atomically increments a counter, restarting expired keys at 1.
func (s *MemoryStore) Increment(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || s.expired(entry) {
		entry = &memoryEntry{}
		s.entries[key] = entry
	}
	entry.value++
	return entry.value, nil
}

// Expire sets the TTL on an existing key. Absent keys are ignored.
func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && !s.expired(entry) {
		entry.expiresAt = s.nowFunc().Add(ttl)
	}
	return nil
}

// Get returns the current value of a live key.
func (s *MemoryStore) Get(ctx context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || s.expired(entry) {
		return 0, false, nil
	}
	return entry.value, true, nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }

// expired reports whether an entry's TTL has passed (lock must be held).
func (s *MemoryStore) expired(entry *memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !s.nowFunc().Before(entry.expiresAt)
}
