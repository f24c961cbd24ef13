package jobstore

import (
	"strings"
	"time"
)

// Result classifies a single HTTP exchange with a worker.
type Result string

const (
	// ResultSuccess is a 2xx response within the delivery timeout.
	ResultSuccess Result = "success"
	// ResultTransient is a timeout, connection failure or 5xx-class
	// response; retried per the backoff policy.
	ResultTransient Result = "transient"
	// ResultPermanent is a 4xx-class response the worker will never accept;
	// the job moves directly to dead.
	ResultPermanent Result = "permanent"
)

// DeliveryAttempt records one HTTP exchange between the broker and a worker.
// Attempts are append-only and never mutated after write.
type DeliveryAttempt struct {
	ID        string
	JobID     string
	WorkerID  string
	WorkerURL string
	Attempt   int
	Signature string

	StatusCode int
	Latency    time.Duration
	Result     Result
	Error      string

	At time.Time
}

// Validate checks required attempt fields.
func (a *DeliveryAttempt) Validate() error {
	if a == nil {
		return storeError(ErrValidation, "attempt is nil")
	}
	if strings.TrimSpace(a.JobID) == "" {
		return storeError(ErrValidation, "attempt job id is required")
	}
	if strings.TrimSpace(a.WorkerURL) == "" {
		return storeError(ErrValidation, "attempt worker url is required")
	}
	switch a.Result {
	case ResultSuccess, ResultTransient, ResultPermanent:
	default:
		return storeError(ErrValidation, "attempt result is required")
	}
	return nil
}
