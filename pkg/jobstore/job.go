// Package jobstore provides the durable record of enqueued jobs, their
// scheduling times, delivery state and attempt history.
package jobstore

import (
	"fmt"
	"strings"
	"time"
)

// DefaultContentType is the content type assumed for job payloads when the
// caller does not supply one.
const DefaultContentType = "application/json"

// State is the delivery state of a job. Transitions are monotonic:
// pending -> in-flight -> delivered | retry-scheduled | dead, with
// retry-scheduled looping back through in-flight. delivered and dead are
// terminal.
type State string

const (
	StatePending        State = "pending"
	StateInFlight       State = "in-flight"
	StateDelivered      State = "delivered"
	StateRetryScheduled State = "retry-scheduled"
	StateDead           State = "dead"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateDead
}

// Job is one unit of work bound to a queue.
type Job struct {
	ID          string
	QueueID     string
	Payload     []byte
	ContentType string

	State       State
	AvailableAt time.Time
	Attempt     int
	// MaxAttempts overrides the broker retry policy; 0 means policy default.
	MaxAttempts int

	// RoundWorkers is the worker set captured when the first multicast
	// attempt of the current logical round was dispatched. Empty for
	// unicast jobs.
	RoundWorkers []string
	// SucceededWorkers lists round workers that already recorded a success.
	// They are never re-notified within the round.
	SucceededWorkers []string

	// Cancelled is checked before any outcome transition; it takes
	// precedence over a late success response.
	Cancelled bool

	// RecurrenceID and OccurrenceKey tie spawned jobs back to their
	// recurring definition for auditing and idempotent expansion.
	RecurrenceID  string
	OccurrenceKey string

	LastWorkerID  string
	LastStatus    int
	LastError     string
	LastAttemptAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the fields required before a job may be enqueued.
func (j *Job) Validate() error {
	if j == nil {
		return storeError(ErrValidation, "job is nil")
	}
	if strings.TrimSpace(j.ID) == "" {
		return storeError(ErrValidation, "job id is required")
	}
	if strings.TrimSpace(j.QueueID) == "" {
		return storeError(ErrValidation, "job queue id is required")
	}
	if len(j.Payload) == 0 {
		return storeError(ErrValidation, "job payload is required")
	}
	if j.Attempt < 0 {
		return storeError(ErrValidation, "job attempt must be >= 0")
	}
	if j.MaxAttempts < 0 {
		return storeError(ErrValidation, "job max attempts must be >= 0")
	}
	return nil
}

func (j *Job) normalize(now time.Time) {
	if j.State == "" {
		j.State = StatePending
	}
	if strings.TrimSpace(j.ContentType) == "" {
		j.ContentType = DefaultContentType
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = j.CreatedAt
	}
	j.UpdatedAt = now
}

// OutcomeKind names the transition a dispatch round produced.
type OutcomeKind string

const (
	// OutcomeDelivered completes the job: every worker the round required
	// has succeeded.
	OutcomeDelivered OutcomeKind = "delivered"
	// OutcomeRetry schedules another round at NextAvailableAt.
	OutcomeRetry OutcomeKind = "retry"
	// OutcomeDead terminally fails the job.
	OutcomeDead OutcomeKind = "dead"
)

// Outcome describes the result of one dispatch round for RecordOutcome.
type Outcome struct {
	Kind            OutcomeKind
	WorkerID        string
	StatusCode      int
	Reason          string
	NextAvailableAt time.Time

	// RoundWorkers and SucceededWorkers carry multicast round bookkeeping
	// forward; nil leaves the stored values untouched.
	RoundWorkers     []string
	SucceededWorkers []string
}

// applyOutcome mutates job per the state machine. The caller must have
// atomically observed the in-flight state. Cancellation takes precedence
// over any outcome, including a late success.
func applyOutcome(job *Job, out Outcome, now time.Time) error {
	if job.State != StateInFlight {
		return storeError(ErrConflict, fmt.Sprintf("job %q is %s, not in-flight", job.ID, job.State))
	}

	job.LastWorkerID = strings.TrimSpace(out.WorkerID)
	job.LastStatus = out.StatusCode
	job.LastError = strings.TrimSpace(out.Reason)
	job.LastAttemptAt = now
	job.UpdatedAt = now
	if out.RoundWorkers != nil {
		job.RoundWorkers = append([]string{}, out.RoundWorkers...)
	}
	if out.SucceededWorkers != nil {
		job.SucceededWorkers = append([]string{}, out.SucceededWorkers...)
	}

	if job.Cancelled {
		job.State = StateDead
		if job.LastError == "" {
			job.LastError = "cancelled"
		}
		return nil
	}

	switch out.Kind {
	case OutcomeDelivered:
		job.State = StateDelivered
	case OutcomeRetry:
		job.State = StateRetryScheduled
		job.Attempt++
		job.AvailableAt = out.NextAvailableAt.UTC()
		if job.AvailableAt.IsZero() {
			job.AvailableAt = now
		}
	case OutcomeDead:
		job.State = StateDead
		job.Attempt++
	default:
		return storeError(ErrValidation, fmt.Sprintf("invalid outcome kind %q", out.Kind))
	}
	return nil
}

// RecurringDefinition is a template that periodically spawns ordinary jobs.
// Rule syntax is interpreted by the recurrence package; the store treats it
// as opaque.
type RecurringDefinition struct {
	ID          string
	QueueID     string
	Name        string
	Rule        string
	Payload     []byte
	ContentType string

	NextRun           time.Time
	LastOccurrenceKey string
	CreatedAt         time.Time
}

// Validate checks required recurring definition fields.
func (d *RecurringDefinition) Validate() error {
	if d == nil {
		return storeError(ErrValidation, "definition is nil")
	}
	if strings.TrimSpace(d.ID) == "" {
		return storeError(ErrValidation, "definition id is required")
	}
	if strings.TrimSpace(d.QueueID) == "" {
		return storeError(ErrValidation, "definition queue id is required")
	}
	if strings.TrimSpace(d.Rule) == "" {
		return storeError(ErrValidation, "definition rule is required")
	}
	if len(d.Payload) == 0 {
		return storeError(ErrValidation, "definition payload is required")
	}
	if d.NextRun.IsZero() {
		return storeError(ErrValidation, "definition next run is required")
	}
	return nil
}
