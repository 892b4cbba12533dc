package keyval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotwise/calsync/internal/clock"
	"github.com/slotwise/calsync/internal/shared/infrastructure/keyval"
)

func TestLockManager_AcquireRelease(t *testing.T) {
	manager := keyval.NewLockManager(keyval.NewMemoryStore())
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "sync:tenant-1:cal-1", time.Minute)
	require.NoError(t, err)

	// Second acquire fails while held
	_, err = manager.Acquire(ctx, "sync:tenant-1:cal-1", time.Minute)
	assert.ErrorIs(t, err, keyval.ErrLockHeld)

	// Different name is independent
	other, err := manager.Acquire(ctx, "sync:tenant-1:cal-2", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))

	// Released lock can be re-acquired
	lease2, err := manager.Acquire(ctx, "sync:tenant-1:cal-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease2.Release(ctx))
}

func TestLockManager_TTLExpiryFreesLock(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	manager := keyval.NewLockManager(keyval.NewMemoryStoreWithClock(fake))
	ctx := context.Background()

	stale, err := manager.Acquire(ctx, "sync:tenant-1:cal-1", time.Minute)
	require.NoError(t, err)

	fake.Advance(2 * time.Minute)

	// TTL elapsed, a new owner can take the lock
	fresh, err := manager.Acquire(ctx, "sync:tenant-1:cal-1", time.Minute)
	require.NoError(t, err)

	// The stale lease must not free the new owner's lock
	require.NoError(t, stale.Release(ctx))

	_, err = manager.Acquire(ctx, "sync:tenant-1:cal-1", time.Minute)
	assert.ErrorIs(t, err, keyval.ErrLockHeld)

	require.NoError(t, fresh.Release(ctx))
}

func TestLease_Extend(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	manager := keyval.NewLockManager(keyval.NewMemoryStoreWithClock(fake))
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "sync:tenant-1:cal-1", time.Minute)
	require.NoError(t, err)

	fake.Advance(30 * time.Second)
	require.NoError(t, lease.Extend(ctx, time.Minute))

	// Past the original expiry but inside the extension
	fake.Advance(45 * time.Second)
	_, err = manager.Acquire(ctx, "sync:tenant-1:cal-1", time.Minute)
	assert.ErrorIs(t, err, keyval.ErrLockHeld)
}

func TestLease_ExtendLostLock(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	manager := keyval.NewLockManager(keyval.NewMemoryStoreWithClock(fake))
	ctx := context.Background()

	stale, err := manager.Acquire(ctx, "sync:tenant-1:cal-1", time.Minute)
	require.NoError(t, err)

	fake.Advance(2 * time.Minute)

	_, err = manager.Acquire(ctx, "sync:tenant-1:cal-1", time.Minute)
	require.NoError(t, err)

	err = stale.Extend(ctx, time.Minute)
	assert.ErrorIs(t, err, keyval.ErrLeaseLost)
}
