package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shovehq/shove/pkg/observability/logger"
)

// PostgresLockProvider implements LockProvider over a lease table. An expired
// row can be taken over in the same statement that would insert it, so a
// crashed holder never wedges the lock.
type PostgresLockProvider struct {
	db  *sql.DB
	log logger.Logger
}

// NewPostgresLockProvider creates a lock provider over an existing database
// handle.
func NewPostgresLockProvider(db *sql.DB, log logger.Logger) (*PostgresLockProvider, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &PostgresLockProvider{db: db, log: log}, nil
}

// EnsureSchema creates the lease table when missing.
func (p *PostgresLockProvider) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS shove_scheduler_locks (
			key        TEXT PRIMARY KEY,
			token      TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	)
	if err != nil {
		return fmt.Errorf("ensure lock schema failed: %w", err)
	}
	return nil
}

// Acquire takes the lock when free or when the current lease has expired.
func (p *PostgresLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, schedulerError(ErrValidation, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, schedulerError(ErrValidation, "ttl must be > 0")
	}

	token := newLockToken()
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	result, err := p.db.ExecContext(ctx,
		`INSERT INTO shove_scheduler_locks (key, token, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE
		 SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		 WHERE shove_scheduler_locks.expires_at <= $4`,
		key, token, expiresAt, now,
	)
	if err != nil {
		return nil, false, schedulerError(ErrRetryable, fmt.Sprintf("acquire lock failed: %v", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, schedulerError(ErrRetryable, fmt.Sprintf("acquire lock failed: %v", err))
	}
	if affected == 0 {
		return nil, false, nil
	}
	return &LockLease{Key: key, Token: token, ExpiresAt: expiresAt}, true, nil
}

// Renew extends a held lease when its token still matches.
func (p *PostgresLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return schedulerError(ErrValidation, "ttl must be > 0")
	}

	expiresAt := time.Now().UTC().Add(ttl)
	result, err := p.db.ExecContext(ctx,
		`UPDATE shove_scheduler_locks SET expires_at = $1 WHERE key = $2 AND token = $3`,
		expiresAt, lease.Key, lease.Token,
	)
	if err != nil {
		return schedulerError(ErrRetryable, fmt.Sprintf("renew lock failed: %v", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return schedulerError(ErrRetryable, fmt.Sprintf("renew lock failed: %v", err))
	}
	if affected == 0 {
		return schedulerError(ErrConflict, "lock renew rejected")
	}
	lease.ExpiresAt = expiresAt
	return nil
}

// Release drops a held lease when its token still matches.
func (p *PostgresLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if err := validateLease(lease); err != nil {
		return err
	}

	result, err := p.db.ExecContext(ctx,
		`DELETE FROM shove_scheduler_locks WHERE key = $1 AND token = $2`,
		lease.Key, lease.Token,
	)
	if err != nil {
		return schedulerError(ErrRetryable, fmt.Sprintf("release lock failed: %v", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return schedulerError(ErrRetryable, fmt.Sprintf("release lock failed: %v", err))
	}
	if affected == 0 {
		return schedulerError(ErrConflict, "lock release rejected")
	}
	return nil
}

// HealthCheck verifies database connectivity.
func (p *PostgresLockProvider) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close is a no-op; the database handle is owned by the caller.
func (p *PostgresLockProvider) Close() error {
	return nil
}
