package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/burrowdb/burrow/pkg/cache"
	"github.com/burrowdb/burrow/pkg/errdefs"
)

// lockTTL bounds how long a crashed migration can hold its tenant lock
const lockTTL = 3600 * time.Second

// Locker serializes migrations per tenant with a SetNX lock in the
// coordination cache
type Locker struct {
	cache cache.Cache
}

// NewLocker creates a locker on the given cache
func NewLocker(c cache.Cache) *Locker {
	return &Locker{cache: c}
}

func lockKey(tenantID string) string {
	if tenantID == "" {
		tenantID = "default"
	}
	return "migration_lock:" + tenantID
}

// Acquire takes the tenant's migration lock, recording the holding
// migration id. Returns errdefs.ErrLockBusy when another migration
// holds it.
func (l *Locker) Acquire(ctx context.Context, tenantID, migrationID string) error {
	ok, err := l.cache.SetNX(ctx, lockKey(tenantID), migrationID, lockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("tenant %q: %w", tenantID, errdefs.ErrLockBusy)
	}
	return nil
}

// Release drops the tenant's migration lock
func (l *Locker) Release(ctx context.Context, tenantID string) error {
	return l.cache.Del(ctx, lockKey(tenantID))
}

// Holder returns the migration id currently holding the tenant's lock,
// or "" when the lock is free
func (l *Locker) Holder(ctx context.Context, tenantID string) (string, error) {
	holder, err := l.cache.Get(ctx, lockKey(tenantID))
	if err == cache.ErrNotFound {
		return "", nil
	}
	return holder, err
}
