package jobstore

import (
	"context"
	"time"
)

// Store is the durable record of jobs and delivery attempts.
//
// ClaimDue is the single synchronization primitive the rest of the broker
// depends on: it must atomically transition matched jobs into in-flight so
// that no two concurrent claimers ever receive the same job.
type Store interface {
	// Enqueue persists a new job. Defaults (state, content type, timestamps)
	// are applied; validation failures surface synchronously.
	Enqueue(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	// ListByQueue returns a queue's jobs, newest first. state filters when
	// non-empty.
	ListByQueue(ctx context.Context, queueID string, state State, limit int) ([]*Job, error)

	// ClaimDue atomically moves up to limit pending/retry-scheduled jobs
	// with AvailableAt <= now into in-flight and returns them.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*Job, error)
	// RecordOutcome applies the outcome of a dispatch round, guarded by the
	// expected in-flight state. Cancellation takes precedence.
	RecordOutcome(ctx context.Context, jobID string, outcome Outcome) (*Job, error)

	// AppendAttempt records one HTTP exchange. Append-only.
	AppendAttempt(ctx context.Context, attempt *DeliveryAttempt) error
	ListAttempts(ctx context.Context, jobID string) ([]*DeliveryAttempt, error)

	// Cancel marks a pending or retry-scheduled job dead immediately and
	// flags an in-flight job so its outcome recording deadends it.
	Cancel(ctx context.Context, jobID string) error
	// Replay re-enqueues a dead job with a reset attempt counter.
	Replay(ctx context.Context, jobID string) (*Job, error)

	// CountActive counts a queue's jobs that are not yet terminal.
	CountActive(ctx context.Context, queueID string) (int, error)
	// PurgeQueue removes all of a queue's jobs regardless of state.
	PurgeQueue(ctx context.Context, queueID string) (int, error)
	// PurgeDead removes dead jobs older than the cutoff.
	PurgeDead(ctx context.Context, olderThan time.Time) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// RecurringStore persists recurring job definitions alongside the jobs they
// spawn.
type RecurringStore interface {
	CreateRecurring(ctx context.Context, def *RecurringDefinition) error
	GetRecurring(ctx context.Context, defID string) (*RecurringDefinition, error)
	ListRecurring(ctx context.Context, queueID string) ([]*RecurringDefinition, error)
	DeleteRecurring(ctx context.Context, defID string) error
	// DueRecurring returns definitions whose NextRun is at or before now.
	DueRecurring(ctx context.Context, now time.Time, limit int) ([]*RecurringDefinition, error)
	// MarkExpanded advances NextRun if and only if occurrenceKey has not
	// been used for this definition. It returns false when another
	// scheduler instance already expanded the occurrence.
	MarkExpanded(ctx context.Context, defID string, occurrenceKey string, nextRun time.Time) (bool, error)
}

// FullStore combines job and recurring definition persistence; every
// provided backend implements both.
type FullStore interface {
	Store
	RecurringStore
}
