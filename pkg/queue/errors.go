package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies bad queue/worker definitions rejected at creation time.
	ErrValidation = errors.New("registry validation error")
	// ErrDuplicateName classifies queue creation with an already-taken name.
	ErrDuplicateName = errors.New("registry duplicate queue name")
	// ErrInvalidURL classifies worker registration with a malformed endpoint.
	ErrInvalidURL = errors.New("registry invalid worker url")
	// ErrNotFound classifies lookups of missing queues or workers.
	ErrNotFound = errors.New("registry not found")
	// ErrNonEmptyQueue classifies removal of a queue that still has pending jobs.
	ErrNonEmptyQueue = errors.New("registry queue not empty")
	// ErrRetryable classifies transient backend failures that may succeed on retry.
	ErrRetryable = errors.New("registry retryable error")
)

func registryError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
