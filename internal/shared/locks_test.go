package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: srv.Addr()})
}

func TestReconcileMutexExclusive(t *testing.T) {
	client := newTestRedis(t)
	mutex := NewReconcileMutex(client, time.Minute)
	ctx := context.Background()

	key := ReconcileLockKey(7, 12, 3)
	release, err := mutex.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = mutex.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, release(ctx))

	release2, err := mutex.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, release2(ctx))
}

func TestReconcileMutexReleaseIsTokenChecked(t *testing.T) {
	client := newTestRedis(t)
	mutex := NewReconcileMutex(client, time.Minute)
	ctx := context.Background()

	key := ReconcileLockKey(1, 1, 1)
	releaseFirst, err := mutex.Acquire(ctx, key)
	require.NoError(t, err)

	// Simulate expiry and takeover by a second writer.
	require.NoError(t, client.Del(ctx, key).Err())
	releaseSecond, err := mutex.Acquire(ctx, key)
	require.NoError(t, err)

	// The first holder's release must not remove the second holder's lock.
	require.NoError(t, releaseFirst(ctx))
	_, err = mutex.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrLockNotAcquired)

	require.NoError(t, releaseSecond(ctx))
}

func TestReconcileMutexNilClientIsLockless(t *testing.T) {
	var mutex *ReconcileMutex
	release, err := mutex.Acquire(context.Background(), "any")
	require.NoError(t, err)
	require.NoError(t, release(context.Background()))
}

func TestAcquireWaitTimesOut(t *testing.T) {
	client := newTestRedis(t)
	mutex := NewReconcileMutex(client, time.Minute)
	ctx := context.Background()

	key := ReconcileLockKey(2, 2, 2)
	release, err := mutex.Acquire(ctx, key)
	require.NoError(t, err)
	defer func() { _ = release(ctx) }()

	_, err = mutex.AcquireWait(ctx, key, 60*time.Millisecond)
	require.ErrorIs(t, err, ErrLockNotAcquired)
}
