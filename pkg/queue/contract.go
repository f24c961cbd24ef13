package queue

import (
	"context"
	"time"
)

// CreateQueueOptions carries optional queue settings applied at creation.
type CreateQueueOptions struct {
	// SigningSecret overrides the generated per-queue secret.
	SigningSecret string
	// MaxAttempts overrides the broker-wide retry maximum for this queue.
	MaxAttempts int
}

// AddWorkerOptions carries optional worker settings applied at registration.
type AddWorkerOptions struct {
	// SigningSecret overrides the queue secret for this worker only.
	SigningSecret string
}

// PendingCounter reports how many undelivered jobs a queue still holds.
// The job store satisfies this; the registry consults it before destructive
// queue removal.
type PendingCounter interface {
	CountActive(ctx context.Context, queueID string) (int, error)
}

// Registry is the durable catalog of queues and workers. All mutations are
// immediately durable; reads may be served from a cache that is invalidated
// on write.
type Registry interface {
	CreateQueue(ctx context.Context, name string, queueType Type, opts CreateQueueOptions) (*Queue, error)
	GetQueue(ctx context.Context, queueID string) (*Queue, error)
	GetQueueByName(ctx context.Context, name string) (*Queue, error)
	ListQueues(ctx context.Context) ([]*Queue, error)
	// RemoveQueue deletes a queue. It fails with ErrNonEmptyQueue while jobs
	// remain unless force is set, which purges them.
	RemoveQueue(ctx context.Context, queueID string, force bool) error

	AddWorker(ctx context.Context, queueID string, workerURL string, opts AddWorkerOptions) (*Worker, error)
	GetWorker(ctx context.Context, workerID string) (*Worker, error)
	// ListWorkers returns the queue's workers in registration order.
	ListWorkers(ctx context.Context, queueID string, activeOnly bool) ([]*Worker, error)
	// DisableWorker stops future dispatches to the worker. In-flight
	// deliveries already dispatched are unaffected.
	DisableWorker(ctx context.Context, workerID string) error
	RemoveWorker(ctx context.Context, workerID string) error

	HealthCheck(ctx context.Context) error
	Close() error
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
