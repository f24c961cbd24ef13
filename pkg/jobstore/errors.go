package jobstore

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies malformed jobs or arguments rejected synchronously.
	ErrValidation = errors.New("jobstore validation error")
	// ErrNotFound classifies lookups of missing jobs or definitions.
	ErrNotFound = errors.New("jobstore not found")
	// ErrConflict classifies rejected state transitions, for example
	// recording an outcome for a job that is no longer in-flight.
	ErrConflict = errors.New("jobstore conflict")
	// ErrRetryable classifies transient backend failures that may succeed on retry.
	ErrRetryable = errors.New("jobstore retryable error")
	// ErrClosed classifies operations on a closed store.
	ErrClosed = errors.New("jobstore closed")
)

func storeError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
