package recurrence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/observability/logger"
)

const defaultExpandBatch = 50

// OccurrenceKey derives the idempotency key for one scheduled occurrence.
// It depends only on the definition and the scheduled time, so every expander
// computes the same key for the same occurrence.
func OccurrenceKey(defID string, scheduledAt time.Time) string {
	return defID + ":" + strconv.FormatInt(scheduledAt.UTC().Unix(), 10)
}

// Expander turns due recurring definitions into concrete jobs. Each occurrence
// spawns exactly once: MarkExpanded arbitrates between concurrent expanders,
// and a spawned occurrence is never affected by the outcome of earlier jobs
// from the same definition.
type Expander struct {
	store jobstore.FullStore
	log   logger.Logger
	batch int
}

// NewExpander creates an expander over the given store.
func NewExpander(store jobstore.FullStore, log logger.Logger) (*Expander, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &Expander{
		store: store,
		log:   log,
		batch: defaultExpandBatch,
	}, nil
}

// Tick expands every definition due at or before now and returns the number
// of jobs spawned.
func (e *Expander) Tick(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	due, err := e.store.DueRecurring(ctx, now, e.batch)
	if err != nil {
		return 0, fmt.Errorf("load due definitions failed: %w", err)
	}

	spawned := 0
	for _, def := range due {
		ok, err := e.expand(ctx, def, now)
		if err != nil {
			e.log.Error("recurrence expansion failed",
				"definition_id", def.ID,
				"queue_id", def.QueueID,
				"error", err,
			)
			continue
		}
		if ok {
			spawned++
		}
	}
	return spawned, nil
}

func (e *Expander) expand(ctx context.Context, def *jobstore.RecurringDefinition, now time.Time) (bool, error) {
	schedule, err := ParseRule(def.Rule)
	if err != nil {
		return false, err
	}

	scheduledAt := def.NextRun.UTC()
	key := OccurrenceKey(def.ID, scheduledAt)
	// misfires are skipped: the next occurrence is computed from now, not
	// from the missed slot, so a stalled expander does not replay a backlog
	next := schedule.Next(now)
	if next.IsZero() {
		return false, ruleError(fmt.Sprintf("no future occurrence for rule %q", def.Rule))
	}

	won, err := e.store.MarkExpanded(ctx, def.ID, key, next)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}

	job := &jobstore.Job{
		QueueID:       def.QueueID,
		Payload:       def.Payload,
		ContentType:   def.ContentType,
		AvailableAt:   scheduledAt,
		RecurrenceID:  def.ID,
		OccurrenceKey: key,
	}
	if err := e.store.Enqueue(ctx, job); err != nil {
		// a crash after MarkExpanded can leave the occurrence spawned by a
		// peer; the unique occurrence constraint surfaces as a conflict here
		if errors.Is(err, jobstore.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("enqueue occurrence failed: %w", err)
	}
	recordOccurrenceSpawned(def.QueueID)
	e.log.Debug("recurrence occurrence spawned",
		"definition_id", def.ID,
		"queue_id", def.QueueID,
		"job_id", job.ID,
		"occurrence_key", key,
	)
	return true, nil
}
