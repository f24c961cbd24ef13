package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed scheduler input.
	ErrValidation = errors.New("scheduler validation error")
	// ErrConflict marks a lock operation rejected because the lease is no
	// longer held.
	ErrConflict = errors.New("scheduler conflict")
	// ErrRetryable marks transient backend failures.
	ErrRetryable = errors.New("scheduler retryable error")
)

func schedulerError(kind error, message string) error {
	return fmt.Errorf("%w: %s", kind, message)
}
