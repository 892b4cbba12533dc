// Package keyval provides the shared key-value store used for cross-process
// coordination: sync locks, webhook coalescing markers, and cursor caches.
// Redis backs production deployments; an in-memory store covers single-node
// setups and tests.
package keyval

import (
	"context"
	"errors"
	"time"
)

const (
	// KeyMaxLength is the maximum length of a store key.
	KeyMaxLength = 256

	// ValueMaxSize is the maximum size of a stored value in bytes.
	ValueMaxSize = 1024 * 1024 // 1MB
)

var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyTooLong is returned when a key exceeds KeyMaxLength.
	ErrKeyTooLong = errors.New("key too long")

	// ErrValueTooBig is returned when a value exceeds ValueMaxSize.
	ErrValueTooBig = errors.New("value too big")
)

// Store is a key-value store with per-key expiry.
type Store interface {
	// Get retrieves a value by key. Returns ErrKeyNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an optional TTL. Pass 0 for ttl to store
	// without expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores a value only if the key does not already exist.
	// Returns true if the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a value by key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases the store's resources.
	Close() error
}

func checkKey(key string) error {
	if len(key) > KeyMaxLength {
		return ErrKeyTooLong
	}
	return nil
}

func checkValue(value []byte) error {
	if len(value) > ValueMaxSize {
		return ErrValueTooBig
	}
	return nil
}
