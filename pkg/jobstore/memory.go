package jobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process FullStore for tests and single-node setups.
// The claim contract holds across goroutines: a job is handed to exactly one
// claimer.
type MemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	attempts  map[string][]*DeliveryAttempt
	recurring map[string]*RecurringDefinition
	expanded  map[string]map[string]struct{}
	closed    bool
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      map[string]*Job{},
		attempts:  map[string][]*DeliveryAttempt{},
		recurring: map[string]*RecurringDefinition{},
		expanded:  map[string]map[string]struct{}{},
	}
}

// Enqueue persists a new job.
func (s *MemoryStore) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return storeError(ErrValidation, "job is required")
	}
	jobCopy := cloneJob(job)
	if strings.TrimSpace(jobCopy.ID) == "" {
		jobCopy.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	jobCopy.normalize(now)
	if err := jobCopy.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storeError(ErrClosed, "memory store is closed")
	}
	if _, exists := s.jobs[jobCopy.ID]; exists {
		return storeError(ErrConflict, fmt.Sprintf("job %q already exists", jobCopy.ID))
	}
	s.jobs[jobCopy.ID] = jobCopy
	// the caller sees the normalized job, same as the SQL and Redis stores
	*job = *cloneJob(jobCopy)
	recordJobEnqueued("memory", jobCopy.QueueID)
	return nil
}

// Get returns a job by ID.
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(jobID)]
	if !ok {
		return nil, storeError(ErrNotFound, fmt.Sprintf("job %q not found", jobID))
	}
	return cloneJob(job), nil
}

// ListByQueue returns a queue's jobs, newest first.
func (s *MemoryStore) ListByQueue(ctx context.Context, queueID string, state State, limit int) ([]*Job, error) {
	queueID = strings.TrimSpace(queueID)
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*Job
	for _, job := range s.jobs {
		if job.QueueID != queueID {
			continue
		}
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ClaimDue atomically transitions due jobs to in-flight and returns them.
func (s *MemoryStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storeError(ErrClosed, "memory store is closed")
	}

	var due []*Job
	for _, job := range s.jobs {
		if job.State != StatePending && job.State != StateRetryScheduled {
			continue
		}
		if job.AvailableAt.After(now) {
			continue
		}
		due = append(due, job)
	}
	// oldest availability first, stable order across claimers
	sort.Slice(due, func(i, j int) bool {
		if due[i].AvailableAt.Equal(due[j].AvailableAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].AvailableAt.Before(due[j].AvailableAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Job, 0, len(due))
	for _, job := range due {
		job.State = StateInFlight
		job.UpdatedAt = now
		claimed = append(claimed, cloneJob(job))
		recordJobClaimed("memory", job.QueueID)
	}
	return claimed, nil
}

// RecordOutcome applies a dispatch round outcome, guarded by in-flight state.
func (s *MemoryStore) RecordOutcome(ctx context.Context, jobID string, outcome Outcome) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(jobID)]
	if !ok {
		return nil, storeError(ErrNotFound, fmt.Sprintf("job %q not found", jobID))
	}
	if err := applyOutcome(job, outcome, time.Now().UTC()); err != nil {
		return nil, err
	}
	recordJobOutcome("memory", job.QueueID, string(job.State))
	return cloneJob(job), nil
}

// AppendAttempt records one delivery attempt.
func (s *MemoryStore) AppendAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	if attempt == nil {
		return storeError(ErrValidation, "attempt is required")
	}
	attemptCopy := *attempt
	if strings.TrimSpace(attemptCopy.ID) == "" {
		attemptCopy.ID = uuid.NewString()
	}
	if attemptCopy.At.IsZero() {
		attemptCopy.At = time.Now().UTC()
	}
	if err := attemptCopy.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attemptCopy.JobID] = append(s.attempts[attemptCopy.JobID], &attemptCopy)
	return nil
}

// ListAttempts returns a job's attempts in record order.
func (s *MemoryStore) ListAttempts(ctx context.Context, jobID string) ([]*DeliveryAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempts := s.attempts[strings.TrimSpace(jobID)]
	out := make([]*DeliveryAttempt, 0, len(attempts))
	for _, attempt := range attempts {
		attemptCopy := *attempt
		out = append(out, &attemptCopy)
	}
	return out, nil
}

// Cancel marks a job cancelled. Pending and retry-scheduled jobs die
// immediately; in-flight jobs die when their outcome is recorded.
func (s *MemoryStore) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(jobID)]
	if !ok {
		return storeError(ErrNotFound, fmt.Sprintf("job %q not found", jobID))
	}
	if job.State.Terminal() {
		return storeError(ErrConflict, fmt.Sprintf("job %q is already %s", jobID, job.State))
	}

	now := time.Now().UTC()
	job.Cancelled = true
	job.UpdatedAt = now
	if job.State == StatePending || job.State == StateRetryScheduled {
		job.State = StateDead
		job.LastError = "cancelled"
	}
	return nil
}

// Replay re-enqueues a dead job with a reset attempt counter.
func (s *MemoryStore) Replay(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[strings.TrimSpace(jobID)]
	if !ok {
		return nil, storeError(ErrNotFound, fmt.Sprintf("job %q not found", jobID))
	}
	if job.State != StateDead {
		return nil, storeError(ErrConflict, fmt.Sprintf("job %q is %s, not dead", jobID, job.State))
	}

	now := time.Now().UTC()
	job.State = StatePending
	job.Attempt = 0
	job.Cancelled = false
	job.RoundWorkers = nil
	job.SucceededWorkers = nil
	job.AvailableAt = now
	job.LastError = ""
	job.UpdatedAt = now
	return cloneJob(job), nil
}

// CountActive counts a queue's non-terminal jobs.
func (s *MemoryStore) CountActive(ctx context.Context, queueID string) (int, error) {
	queueID = strings.TrimSpace(queueID)
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.jobs {
		if job.QueueID == queueID && !job.State.Terminal() {
			count++
		}
	}
	return count, nil
}

// PurgeQueue removes every job belonging to a queue.
func (s *MemoryStore) PurgeQueue(ctx context.Context, queueID string) (int, error) {
	queueID = strings.TrimSpace(queueID)
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, job := range s.jobs {
		if job.QueueID != queueID {
			continue
		}
		delete(s.jobs, id)
		delete(s.attempts, id)
		purged++
	}
	return purged, nil
}

// PurgeDead removes dead jobs older than the cutoff.
func (s *MemoryStore) PurgeDead(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, job := range s.jobs {
		if job.State != StateDead || job.UpdatedAt.After(olderThan) {
			continue
		}
		delete(s.jobs, id)
		delete(s.attempts, id)
		purged++
	}
	return purged, nil
}

// CreateRecurring persists a recurring definition.
func (s *MemoryStore) CreateRecurring(ctx context.Context, def *RecurringDefinition) error {
	if def == nil {
		return storeError(ErrValidation, "definition is required")
	}
	defCopy := *def
	if strings.TrimSpace(defCopy.ID) == "" {
		defCopy.ID = uuid.NewString()
	}
	if defCopy.CreatedAt.IsZero() {
		defCopy.CreatedAt = time.Now().UTC()
	}
	if strings.TrimSpace(defCopy.ContentType) == "" {
		defCopy.ContentType = DefaultContentType
	}
	if err := defCopy.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recurring[defCopy.ID]; exists {
		return storeError(ErrConflict, fmt.Sprintf("definition %q already exists", defCopy.ID))
	}
	s.recurring[defCopy.ID] = &defCopy
	s.expanded[defCopy.ID] = map[string]struct{}{}
	def.ID = defCopy.ID
	return nil
}

// GetRecurring returns a recurring definition by ID.
func (s *MemoryStore) GetRecurring(ctx context.Context, defID string) (*RecurringDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.recurring[strings.TrimSpace(defID)]
	if !ok {
		return nil, storeError(ErrNotFound, fmt.Sprintf("definition %q not found", defID))
	}
	defCopy := *def
	return &defCopy, nil
}

// ListRecurring returns a queue's recurring definitions.
func (s *MemoryStore) ListRecurring(ctx context.Context, queueID string) ([]*RecurringDefinition, error) {
	queueID = strings.TrimSpace(queueID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var defs []*RecurringDefinition
	for _, def := range s.recurring {
		if queueID != "" && def.QueueID != queueID {
			continue
		}
		defCopy := *def
		defs = append(defs, &defCopy)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// DeleteRecurring removes a recurring definition. Already-spawned jobs are
// unaffected.
func (s *MemoryStore) DeleteRecurring(ctx context.Context, defID string) error {
	defID = strings.TrimSpace(defID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recurring[defID]; !ok {
		return storeError(ErrNotFound, fmt.Sprintf("definition %q not found", defID))
	}
	delete(s.recurring, defID)
	delete(s.expanded, defID)
	return nil
}

// DueRecurring returns definitions due at or before now.
func (s *MemoryStore) DueRecurring(ctx context.Context, now time.Time, limit int) ([]*RecurringDefinition, error) {
	if limit <= 0 {
		limit = 50
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*RecurringDefinition
	for _, def := range s.recurring {
		if def.NextRun.After(now) {
			continue
		}
		defCopy := *def
		due = append(due, &defCopy)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRun.Before(due[j].NextRun) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MarkExpanded advances NextRun once per occurrence key.
func (s *MemoryStore) MarkExpanded(ctx context.Context, defID string, occurrenceKey string, nextRun time.Time) (bool, error) {
	defID = strings.TrimSpace(defID)
	occurrenceKey = strings.TrimSpace(occurrenceKey)
	if occurrenceKey == "" {
		return false, storeError(ErrValidation, "occurrence key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.recurring[defID]
	if !ok {
		return false, storeError(ErrNotFound, fmt.Sprintf("definition %q not found", defID))
	}
	if _, used := s.expanded[defID][occurrenceKey]; used {
		return false, nil
	}
	s.expanded[defID][occurrenceKey] = struct{}{}
	def.LastOccurrenceKey = occurrenceKey
	def.NextRun = nextRun.UTC()
	return true, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storeError(ErrClosed, "memory store is closed")
	}
	return nil
}

// Close marks the store unusable.
func (s *MemoryStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	copyJob := *job
	copyJob.Payload = append([]byte{}, job.Payload...)
	if job.RoundWorkers != nil {
		copyJob.RoundWorkers = append([]string{}, job.RoundWorkers...)
	}
	if job.SucceededWorkers != nil {
		copyJob.SucceededWorkers = append([]string{}, job.SucceededWorkers...)
	}
	return &copyJob
}
