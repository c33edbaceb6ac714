package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps values in process memory. With a ttl, entries expire like
// SQLiteStore rows: expired entries read as missing and are purged on write.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
	ttl   time.Duration
	now   func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

var _ KV = &MemoryStore{}

// NewMemoryStore returns an empty MemoryStore. ttl <= 0 keeps values for the
// life of the process.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

// Get returns the value stored under key unless it has expired.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.items[key]
	if !ok || entry.expired(s.now()) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Set stores value under key, replacing any previous value, and purges
// expired entries.
func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	now := s.now()
	entry := memoryEntry{value: value}
	if s.ttl > 0 {
		entry.expiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = entry
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
		}
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len reports how many entries are held, expired ones included until the
// next write.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close is a no-op so MemoryStore can be closed like the other backends.
func (s *MemoryStore) Close() error {
	return nil
}
