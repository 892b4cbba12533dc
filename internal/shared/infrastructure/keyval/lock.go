package keyval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLockHeld is returned when a lock is already held by another owner.
	ErrLockHeld = errors.New("lock already held")

	// ErrLeaseLost is returned when a lease's lock expired or was taken over.
	ErrLeaseLost = errors.New("lease no longer held")
)

// LockManager provides expiring advisory locks on top of a Store.
// Locks protect per-calendar sync runs from overlapping across processes;
// the TTL bounds how long a crashed holder can block others.
type LockManager struct {
	store  Store
	prefix string
}

// NewLockManager creates a lock manager namespaced under "calsync:lock:".
func NewLockManager(store Store) *LockManager {
	return &LockManager{
		store:  store,
		prefix: "calsync:lock:",
	}
}

// Acquire takes the named lock for at most ttl. Returns ErrLockHeld when
// another owner holds it.
func (m *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := m.prefix + name
	token := uuid.NewString()

	ok, err := m.store.SetNX(ctx, key, []byte(token), ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return &Lease{store: m.store, key: key, token: token}, nil
}

// Lease is a held lock. Release it when the protected work is done.
type Lease struct {
	store Store
	key   string
	token string
}

// Release frees the lock if this lease still owns it. A lease whose TTL
// elapsed and was re-acquired elsewhere is left alone.
func (l *Lease) Release(ctx context.Context) error {
	current, err := l.store.Get(ctx, l.key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read lock %s: %w", l.key, err)
	}

	if string(current) != l.token {
		return nil
	}

	return l.store.Delete(ctx, l.key)
}

// Extend pushes the lock expiry out by ttl if this lease still owns it.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	current, err := l.store.Get(ctx, l.key)
	if errors.Is(err, ErrKeyNotFound) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("failed to read lock %s: %w", l.key, err)
	}

	if string(current) != l.token {
		return ErrLeaseLost
	}

	return l.store.Set(ctx, l.key, []byte(l.token), ttl)
}
