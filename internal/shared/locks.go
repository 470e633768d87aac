package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReconcileLockKey builds redis keys for the reconciliation critical section.
// Writers touching the same (product, location, inventory) aggregate must
// hold this lock so sequence numbering stays gapless under concurrency.
func ReconcileLockKey(productID, locationID, inventoryID int64) string {
	return fmt.Sprintf("reconcile:%d:%d:%d:lock", productID, locationID, inventoryID)
}

// ReconcileMutex serializes writers per discrepancy key via redis SET NX.
type ReconcileMutex struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReconcileMutex constructs the mutex helper.
func NewReconcileMutex(client *redis.Client, ttl time.Duration) *ReconcileMutex {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &ReconcileMutex{client: client, ttl: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire takes the lock for key, returning a release function. The token
// check on release prevents deleting a lock that expired and was re-acquired.
func (m *ReconcileMutex) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	if m == nil || m.client == nil {
		// Lockless mode for single-writer deployments and tests.
		return func(context.Context) error { return nil }, nil
	}
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, m.client, []string{key}, token).Err()
	}
	return release, nil
}

// AcquireWait retries Acquire until the deadline or context expiry.
func (m *ReconcileMutex) AcquireWait(ctx context.Context, key string, wait time.Duration) (func(context.Context) error, error) {
	deadline := time.Now().Add(wait)
	for {
		release, err := m.Acquire(ctx, key)
		if err == nil {
			return release, nil
		}
		if err != ErrLockNotAcquired {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}
