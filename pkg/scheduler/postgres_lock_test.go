package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/shovehq/shove/pkg/observability/logger"
)

func newPostgresTestLocks(t *testing.T) (*PostgresLockProvider, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	locks, err := NewPostgresLockProvider(db, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("new lock provider: %v", err)
	}
	return locks, mock, func() { db.Close() }
}

func TestPostgresLockProvider_AcquireWins(t *testing.T) {
	locks, mock, done := newPostgresTestLocks(t)
	defer done()

	mock.ExpectExec("INSERT INTO shove_scheduler_locks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	lease, acquired, err := locks.Acquire(context.Background(), "recurrence-expander", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired {
		t.Fatal("expected to acquire lock")
	}
	if lease.Token == "" {
		t.Fatal("expected lease token")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockProvider_AcquireLosesWhileHeld(t *testing.T) {
	locks, mock, done := newPostgresTestLocks(t)
	defer done()

	mock.ExpectExec("INSERT INTO shove_scheduler_locks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, acquired, err := locks.Acquire(context.Background(), "dead-purge", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acquired {
		t.Fatal("held lock must not be acquired")
	}
}

func TestPostgresLockProvider_RenewLostLeaseConflicts(t *testing.T) {
	locks, mock, done := newPostgresTestLocks(t)
	defer done()

	mock.ExpectExec("UPDATE shove_scheduler_locks SET expires_at").
		WillReturnResult(sqlmock.NewResult(0, 0))

	lease := &LockLease{Key: "recurrence-expander", Token: "stale"}
	err := locks.Renew(context.Background(), lease, 30*time.Second)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestPostgresLockProvider_ReleaseDropsHeldLease(t *testing.T) {
	locks, mock, done := newPostgresTestLocks(t)
	defer done()

	mock.ExpectExec("DELETE FROM shove_scheduler_locks").
		WithArgs("recurrence-expander", "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	lease := &LockLease{Key: "recurrence-expander", Token: "tok"}
	if err := locks.Release(context.Background(), lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLockProvider_ValidatesInput(t *testing.T) {
	locks, _, done := newPostgresTestLocks(t)
	defer done()

	if _, _, err := locks.Acquire(context.Background(), "", time.Second); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty key, got %v", err)
	}
	if _, _, err := locks.Acquire(context.Background(), "k", 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for zero ttl, got %v", err)
	}
	if err := locks.Renew(context.Background(), nil, time.Second); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for nil lease, got %v", err)
	}
}
