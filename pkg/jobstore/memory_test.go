package jobstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newPendingJob(queueID string) *Job {
	return &Job{
		QueueID: queueID,
		Payload: []byte(`{"task":"resize"}`),
	}
}

func TestMemoryStore_EnqueueAndGet(t *testing.T) {
	store := NewMemoryStore()
	job := newPendingJob("q1")

	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected generated job id")
	}
	// the caller's struct carries the normalized fields
	if job.State != StatePending {
		t.Fatalf("expected pending state on caller's job, got %q", job.State)
	}
	if job.ContentType != DefaultContentType {
		t.Fatalf("expected default content type on caller's job, got %q", job.ContentType)
	}
	if job.AvailableAt.IsZero() || job.CreatedAt.IsZero() {
		t.Fatal("expected timestamps on caller's job")
	}

	loaded, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.State != StatePending {
		t.Fatalf("expected pending state, got %s", loaded.State)
	}
	if loaded.ContentType != DefaultContentType {
		t.Fatalf("expected default content type, got %q", loaded.ContentType)
	}
}

func TestMemoryStore_GetMissingReturnsNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ClaimDueSkipsFutureJobs(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()

	due := newPendingJob("q1")
	due.AvailableAt = now
	if err := store.Enqueue(context.Background(), due); err != nil {
		t.Fatalf("enqueue due: %v", err)
	}
	delayed := newPendingJob("q1")
	delayed.AvailableAt = now.Add(time.Hour)
	if err := store.Enqueue(context.Background(), delayed); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}

	claimed, err := store.ClaimDue(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(claimed))
	}
	if claimed[0].ID != due.ID {
		t.Fatalf("claimed wrong job: %s", claimed[0].ID)
	}
	if claimed[0].State != StateInFlight {
		t.Fatalf("expected in-flight, got %s", claimed[0].State)
	}
}

func TestMemoryStore_ClaimDueIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	const jobs = 50
	for i := 0; i < jobs; i++ {
		if err := store.Enqueue(context.Background(), newPendingJob("q1")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := store.ClaimDue(context.Background(), 5, time.Now().UTC())
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, job := range claimed {
					seen[job.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d claimed jobs, got %d", jobs, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("job %s claimed %d times", id, count)
		}
	}
}

func TestMemoryStore_RecordOutcomeDelivered(t *testing.T) {
	store := NewMemoryStore()
	job := newPendingJob("q1")
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimDue(context.Background(), 1, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	updated, err := store.RecordOutcome(context.Background(), job.ID, Outcome{
		Kind:       OutcomeDelivered,
		WorkerID:   "w1",
		StatusCode: 200,
	})
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if updated.State != StateDelivered {
		t.Fatalf("expected delivered, got %s", updated.State)
	}
	if updated.LastWorkerID != "w1" || updated.LastStatus != 200 {
		t.Fatalf("unexpected last attempt fields: %+v", updated)
	}
}

func TestMemoryStore_RecordOutcomeRejectsNonInFlight(t *testing.T) {
	store := NewMemoryStore()
	job := newPendingJob("q1")
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, err := store.RecordOutcome(context.Background(), job.ID, Outcome{Kind: OutcomeDelivered})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for pending job, got %v", err)
	}
}

func TestMemoryStore_RetryOutcomeSchedulesNextRound(t *testing.T) {
	store := NewMemoryStore()
	job := newPendingJob("q1")
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimDue(context.Background(), 1, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	next := time.Now().UTC().Add(30 * time.Second)
	updated, err := store.RecordOutcome(context.Background(), job.ID, Outcome{
		Kind:            OutcomeRetry,
		StatusCode:      503,
		Reason:          "upstream unavailable",
		NextAvailableAt: next,
	})
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if updated.State != StateRetryScheduled {
		t.Fatalf("expected retry-scheduled, got %s", updated.State)
	}
	if updated.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", updated.Attempt)
	}
	if !updated.AvailableAt.Equal(next) {
		t.Fatalf("expected available at %v, got %v", next, updated.AvailableAt)
	}

	claimed, err := store.ClaimDue(context.Background(), 1, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim before due: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatal("retry-scheduled job claimed before its backoff elapsed")
	}
}

func TestMemoryStore_CancelPendingDiesImmediately(t *testing.T) {
	store := NewMemoryStore()
	job := newPendingJob("q1")
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := store.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	loaded, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.State != StateDead {
		t.Fatalf("expected dead, got %s", loaded.State)
	}
	if loaded.LastError != "cancelled" {
		t.Fatalf("expected cancelled reason, got %q", loaded.LastError)
	}
}

func TestMemoryStore_CancelBeatsLateSuccess(t *testing.T) {
	store := NewMemoryStore()
	job := newPendingJob("q1")
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimDue(context.Background(), 1, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	updated, err := store.RecordOutcome(context.Background(), job.ID, Outcome{
		Kind:       OutcomeDelivered,
		WorkerID:   "w1",
		StatusCode: 200,
	})
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if updated.State != StateDead {
		t.Fatalf("cancelled job finished as %s, want dead", updated.State)
	}
}

func TestMemoryStore_CancelTerminalConflicts(t *testing.T) {
	store := NewMemoryStore()
	job := newPendingJob("q1")
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := store.Cancel(context.Background(), job.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryStore_MulticastRoundBookkeeping(t *testing.T) {
	store := NewMemoryStore()
	job := newPendingJob("q1")
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimDue(context.Background(), 1, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	updated, err := store.RecordOutcome(context.Background(), job.ID, Outcome{
		Kind:             OutcomeRetry,
		Reason:           "partial round",
		NextAvailableAt:  time.Now().UTC().Add(time.Second),
		RoundWorkers:     []string{"w1", "w2", "w3"},
		SucceededWorkers: []string{"w2"},
	})
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if len(updated.RoundWorkers) != 3 {
		t.Fatalf("expected 3 round workers, got %d", len(updated.RoundWorkers))
	}
	if len(updated.SucceededWorkers) != 1 || updated.SucceededWorkers[0] != "w2" {
		t.Fatalf("unexpected succeeded workers: %v", updated.SucceededWorkers)
	}
}

func TestMemoryStore_ReplayResetsDeadJob(t *testing.T) {
	store := NewMemoryStore()
	job := newPendingJob("q1")
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimDue(context.Background(), 1, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.RecordOutcome(context.Background(), job.ID, Outcome{
		Kind:   OutcomeDead,
		Reason: "permanent rejection",
	}); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	replayed, err := store.Replay(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.State != StatePending {
		t.Fatalf("expected pending, got %s", replayed.State)
	}
	if replayed.Attempt != 0 {
		t.Fatalf("expected attempt reset, got %d", replayed.Attempt)
	}

	if _, err := store.Replay(context.Background(), job.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict replaying non-dead job, got %v", err)
	}
}

func TestMemoryStore_CountActiveIgnoresTerminalJobs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	active := newPendingJob("q1")
	if err := store.Enqueue(ctx, active); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := newPendingJob("q1")
	if err := store.Enqueue(ctx, done); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimDue(ctx, 2, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.RecordOutcome(ctx, done.ID, Outcome{Kind: OutcomeDelivered}); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	count, err := store.CountActive(ctx, "q1")
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active job, got %d", count)
	}
}

func TestMemoryStore_PurgeDeadRespectsCutoff(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	job := newPendingJob("q1")
	if err := store.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	purged, err := store.PurgeDead(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge dead: %v", err)
	}
	if purged != 0 {
		t.Fatalf("expected no jobs purged before cutoff, got %d", purged)
	}

	purged, err = store.PurgeDead(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge dead: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 job purged, got %d", purged)
	}
	if _, err := store.Get(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected purged job gone, got %v", err)
	}
}

func TestMemoryStore_AttemptsAreAppendOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := store.AppendAttempt(ctx, &DeliveryAttempt{
			JobID:     "job-1",
			WorkerURL: "https://worker.example.com/hook",
			Attempt:   i,
			Result:    ResultTransient,
		})
		if err != nil {
			t.Fatalf("append attempt %d: %v", i, err)
		}
	}

	attempts, err := store.ListAttempts(ctx, "job-1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	for i, attempt := range attempts {
		if attempt.Attempt != i+1 {
			t.Fatalf("attempt %d out of order: %d", i, attempt.Attempt)
		}
	}
}

func TestMemoryStore_MarkExpandedIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	def := &RecurringDefinition{
		QueueID: "q1",
		Rule:    "@every 1m",
		Payload: []byte(`{"task":"report"}`),
		NextRun: time.Now().UTC(),
	}
	if err := store.CreateRecurring(ctx, def); err != nil {
		t.Fatalf("create recurring: %v", err)
	}

	key := def.ID + ":100"
	next := time.Now().UTC().Add(time.Minute)
	won, err := store.MarkExpanded(ctx, def.ID, key, next)
	if err != nil {
		t.Fatalf("mark expanded: %v", err)
	}
	if !won {
		t.Fatal("first expansion should win")
	}

	won, err = store.MarkExpanded(ctx, def.ID, key, next.Add(time.Minute))
	if err != nil {
		t.Fatalf("mark expanded again: %v", err)
	}
	if won {
		t.Fatal("second expansion of the same occurrence must lose")
	}

	loaded, err := store.GetRecurring(ctx, def.ID)
	if err != nil {
		t.Fatalf("get recurring: %v", err)
	}
	if !loaded.NextRun.Equal(next) {
		t.Fatalf("next run advanced by losing expansion: %v", loaded.NextRun)
	}
}

func TestMemoryStore_DueRecurringHonorsNextRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	due := &RecurringDefinition{
		QueueID: "q1",
		Rule:    "@every 1m",
		Payload: []byte(`{}`),
		NextRun: now.Add(-time.Minute),
	}
	future := &RecurringDefinition{
		QueueID: "q1",
		Rule:    "@every 1m",
		Payload: []byte(`{}`),
		NextRun: now.Add(time.Hour),
	}
	if err := store.CreateRecurring(ctx, due); err != nil {
		t.Fatalf("create due: %v", err)
	}
	if err := store.CreateRecurring(ctx, future); err != nil {
		t.Fatalf("create future: %v", err)
	}

	defs, err := store.DueRecurring(ctx, now, 10)
	if err != nil {
		t.Fatalf("due recurring: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != due.ID {
		t.Fatalf("expected only the due definition, got %d", len(defs))
	}
}

func TestMemoryStore_PurgeQueueDropsJobsAndAttempts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	job := newPendingJob("q1")
	if err := store.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := store.AppendAttempt(ctx, &DeliveryAttempt{
		JobID:     job.ID,
		WorkerURL: "https://worker.example.com/hook",
		Attempt:   1,
		Result:    ResultTransient,
	}); err != nil {
		t.Fatalf("append attempt: %v", err)
	}

	purged, err := store.PurgeQueue(ctx, "q1")
	if err != nil {
		t.Fatalf("purge queue: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged job, got %d", purged)
	}
	attempts, err := store.ListAttempts(ctx, job.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("expected attempts purged with queue, got %d", len(attempts))
	}
}
