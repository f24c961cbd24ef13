package scheduler

import (
	"context"
	"time"
)

// LockLease identifies one held distributed lock. The token fences renew and
// release against a competing holder.
type LockLease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// LockProvider serializes singleton broker tasks (recurrence expansion, dead
// job purging) across broker nodes.
type LockProvider interface {
	// Acquire takes the lock when free. The boolean reports whether this
	// caller now holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error)
	// Renew extends a held lease. Fails with ErrConflict when the lease was
	// lost.
	Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error
	// Release drops a held lease. Fails with ErrConflict when the lease was
	// already taken over.
	Release(ctx context.Context, lease *LockLease) error

	HealthCheck(ctx context.Context) error
	Close() error
}
