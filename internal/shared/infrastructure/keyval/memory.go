package keyval

import (
	"context"
	"sync"
	"time"

	"github.com/slotwise/calsync/internal/clock"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-memory Store for single-node deployments and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]memoryEntry
	clock clock.Clock
}

// NewMemoryStore creates an in-memory store using the system clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.System{})
}

// NewMemoryStoreWithClock creates an in-memory store with the given clock.
func NewMemoryStoreWithClock(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]memoryEntry),
		clock: clk,
	}
}

func (s *MemoryStore) expired(entry memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !s.clock.Now().Before(entry.expiresAt)
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entry, ok := s.data[key]
	s.mu.RUnlock()

	if !ok || s.expired(entry) {
		return nil, ErrKeyNotFound
	}

	return entry.value, nil
}

// Set stores a value with an optional TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkValue(value); err != nil {
		return err
	}

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.clock.Now().Add(ttl)
	}

	s.mu.Lock()
	s.data[key] = entry
	s.mu.Unlock()

	return nil
}

// SetNX stores a value only if the key does not already exist.
func (s *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkValue(value); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data[key]; ok && !s.expired(existing) {
		return false, nil
	}

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.clock.Now().Add(ttl)
	}
	s.data[key] = entry

	return true, nil
}

// Delete removes a value by key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()

	return nil
}

// Exists checks if a key exists.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}

	s.mu.RLock()
	entry, ok := s.data[key]
	s.mu.RUnlock()

	return ok && !s.expired(entry), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
