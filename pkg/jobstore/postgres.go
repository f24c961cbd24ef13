package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/shovehq/shove/pkg/observability/logger"
)

const pgUniqueViolation = "23505"

const jobColumns = `id, queue_id, payload, content_type, state, available_at, attempt,
	max_attempts, round_workers, succeeded_workers, cancelled, recurrence_id,
	occurrence_key, last_worker_id, last_status, last_error, last_attempt_at,
	created_at, updated_at`

// PostgresStore is a FullStore backed by PostgreSQL. ClaimDue uses
// FOR UPDATE SKIP LOCKED so concurrent broker nodes never claim the same job.
type PostgresStore struct {
	db  *sql.DB
	log logger.Logger
}

// NewPostgresStore creates a job store over an existing database handle.
func NewPostgresStore(db *sql.DB, log logger.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &PostgresStore{db: db, log: log}, nil
}

// EnsureSchema creates the job store tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS shove_jobs (
			id                TEXT PRIMARY KEY,
			queue_id          TEXT NOT NULL,
			payload           BYTEA NOT NULL,
			content_type      TEXT NOT NULL,
			state             TEXT NOT NULL,
			available_at      TIMESTAMPTZ NOT NULL,
			attempt           INTEGER NOT NULL DEFAULT 0,
			max_attempts      INTEGER NOT NULL DEFAULT 0,
			round_workers     TEXT[] NOT NULL DEFAULT '{}',
			succeeded_workers TEXT[] NOT NULL DEFAULT '{}',
			cancelled         BOOLEAN NOT NULL DEFAULT FALSE,
			recurrence_id     TEXT NOT NULL DEFAULT '',
			occurrence_key    TEXT NOT NULL DEFAULT '',
			last_worker_id    TEXT NOT NULL DEFAULT '',
			last_status       INTEGER NOT NULL DEFAULT 0,
			last_error        TEXT NOT NULL DEFAULT '',
			last_attempt_at   TIMESTAMPTZ,
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS shove_jobs_due_idx
			ON shove_jobs (state, available_at)`,
		`CREATE INDEX IF NOT EXISTS shove_jobs_queue_idx
			ON shove_jobs (queue_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS shove_jobs_occurrence_idx
			ON shove_jobs (recurrence_id, occurrence_key)
			WHERE recurrence_id <> ''`,
		`CREATE TABLE IF NOT EXISTS shove_attempts (
			id          TEXT PRIMARY KEY,
			job_id      TEXT NOT NULL,
			worker_id   TEXT NOT NULL DEFAULT '',
			worker_url  TEXT NOT NULL,
			attempt     INTEGER NOT NULL,
			signature   TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			latency_ms  BIGINT NOT NULL DEFAULT 0,
			result      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			at          TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS shove_attempts_job_idx ON shove_attempts (job_id, at)`,
		`CREATE TABLE IF NOT EXISTS shove_recurring (
			id                  TEXT PRIMARY KEY,
			queue_id            TEXT NOT NULL,
			name                TEXT NOT NULL DEFAULT '',
			rule                TEXT NOT NULL,
			payload             BYTEA NOT NULL,
			content_type        TEXT NOT NULL,
			next_run            TIMESTAMPTZ NOT NULL,
			last_occurrence_key TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shove_occurrences (
			recurrence_id  TEXT NOT NULL,
			occurrence_key TEXT NOT NULL,
			expanded_at    TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (recurrence_id, occurrence_key)
		)`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("ensure job store schema failed: %w", err)
		}
	}
	return nil
}

// Enqueue persists a new job.
func (s *PostgresStore) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return storeError(ErrValidation, "job is required")
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	job.normalize(time.Now().UTC())
	if err := job.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shove_jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		job.ID, job.QueueID, job.Payload, job.ContentType, string(job.State),
		job.AvailableAt, job.Attempt, job.MaxAttempts,
		pq.Array(job.RoundWorkers), pq.Array(job.SucceededWorkers),
		job.Cancelled, job.RecurrenceID, job.OccurrenceKey,
		job.LastWorkerID, job.LastStatus, job.LastError, nullTime(job.LastAttemptAt),
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return storeError(ErrConflict, fmt.Sprintf("job %q conflicts with an existing job", job.ID))
		}
		return fmt.Errorf("insert job failed: %w", err)
	}
	recordJobEnqueued("postgres", job.QueueID)
	return nil
}

// Get returns a job by ID.
func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM shove_jobs WHERE id = $1`,
		strings.TrimSpace(jobID),
	)
	return scanJob(row)
}

// ListByQueue returns a queue's jobs, newest first.
func (s *PostgresStore) ListByQueue(ctx context.Context, queueID string, state State, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM shove_jobs WHERE queue_id = $1`
	args := []any{strings.TrimSpace(queueID)}
	if state != "" {
		query += ` AND state = $2`
		args = append(args, string(state))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs failed: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ClaimDue atomically transitions due jobs to in-flight using
// FOR UPDATE SKIP LOCKED.
func (s *PostgresStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now = now.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError(ErrRetryable, fmt.Sprintf("begin claim failed: %v", err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM shove_jobs
		 WHERE state IN ('pending', 'retry-scheduled') AND available_at <= $1
		 ORDER BY available_at
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select due jobs failed: %w", err)
	}
	jobs, err := scanJobs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE shove_jobs SET state = $1, updated_at = $2 WHERE id = ANY($3)`,
		string(StateInFlight), now, pq.Array(ids),
	); err != nil {
		return nil, fmt.Errorf("mark jobs in-flight failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError(ErrRetryable, fmt.Sprintf("commit claim failed: %v", err))
	}

	for _, job := range jobs {
		job.State = StateInFlight
		job.UpdatedAt = now
		recordJobClaimed("postgres", job.QueueID)
	}
	return jobs, nil
}

// RecordOutcome applies a dispatch round outcome under a row lock.
func (s *PostgresStore) RecordOutcome(ctx context.Context, jobID string, outcome Outcome) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError(ErrRetryable, fmt.Sprintf("begin outcome failed: %v", err))
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM shove_jobs WHERE id = $1 FOR UPDATE`,
		strings.TrimSpace(jobID),
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if err := applyOutcome(job, outcome, time.Now().UTC()); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE shove_jobs SET
			state = $2, available_at = $3, attempt = $4,
			round_workers = $5, succeeded_workers = $6,
			last_worker_id = $7, last_status = $8, last_error = $9,
			last_attempt_at = $10, updated_at = $11
		 WHERE id = $1`,
		job.ID, string(job.State), job.AvailableAt, job.Attempt,
		pq.Array(job.RoundWorkers), pq.Array(job.SucceededWorkers),
		job.LastWorkerID, job.LastStatus, job.LastError,
		nullTime(job.LastAttemptAt), job.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("update job outcome failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeError(ErrRetryable, fmt.Sprintf("commit outcome failed: %v", err))
	}
	recordJobOutcome("postgres", job.QueueID, string(job.State))
	return job, nil
}

// AppendAttempt records one delivery attempt.
func (s *PostgresStore) AppendAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
	if attempt == nil {
		return storeError(ErrValidation, "attempt is required")
	}
	if strings.TrimSpace(attempt.ID) == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.At.IsZero() {
		attempt.At = time.Now().UTC()
	}
	if err := attempt.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shove_attempts
			(id, job_id, worker_id, worker_url, attempt, signature, status_code, latency_ms, result, error, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		attempt.ID, attempt.JobID, attempt.WorkerID, attempt.WorkerURL,
		attempt.Attempt, attempt.Signature, attempt.StatusCode,
		attempt.Latency.Milliseconds(), string(attempt.Result), attempt.Error, attempt.At,
	)
	if err != nil {
		return fmt.Errorf("insert attempt failed: %w", err)
	}
	return nil
}

// ListAttempts returns a job's attempts in record order.
func (s *PostgresStore) ListAttempts(ctx context.Context, jobID string) ([]*DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, worker_id, worker_url, attempt, signature, status_code, latency_ms, result, error, at
		 FROM shove_attempts WHERE job_id = $1 ORDER BY at`,
		strings.TrimSpace(jobID),
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts failed: %w", err)
	}
	defer rows.Close()

	var attempts []*DeliveryAttempt
	for rows.Next() {
		a := &DeliveryAttempt{}
		var latencyMillis int64
		var result string
		if err := rows.Scan(&a.ID, &a.JobID, &a.WorkerID, &a.WorkerURL, &a.Attempt,
			&a.Signature, &a.StatusCode, &latencyMillis, &result, &a.Error, &a.At); err != nil {
			return nil, fmt.Errorf("scan attempt failed: %w", err)
		}
		a.Latency = time.Duration(latencyMillis) * time.Millisecond
		a.Result = Result(result)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Cancel marks a job cancelled. Jobs not yet in flight die immediately.
func (s *PostgresStore) Cancel(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(ErrRetryable, fmt.Sprintf("begin cancel failed: %v", err))
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM shove_jobs WHERE id = $1 FOR UPDATE`,
		strings.TrimSpace(jobID),
	)
	job, err := scanJob(row)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return storeError(ErrConflict, fmt.Sprintf("job %q is already %s", jobID, job.State))
	}

	now := time.Now().UTC()
	state := job.State
	lastError := job.LastError
	if state == StatePending || state == StateRetryScheduled {
		state = StateDead
		lastError = "cancelled"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE shove_jobs SET cancelled = TRUE, state = $2, last_error = $3, updated_at = $4 WHERE id = $1`,
		job.ID, string(state), lastError, now,
	); err != nil {
		return fmt.Errorf("update cancel failed: %w", err)
	}
	return tx.Commit()
}

// Replay re-enqueues a dead job with a reset attempt counter.
func (s *PostgresStore) Replay(ctx context.Context, jobID string) (*Job, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE shove_jobs SET
			state = $2, attempt = 0, cancelled = FALSE,
			round_workers = '{}', succeeded_workers = '{}',
			available_at = $3, last_error = '', updated_at = $3
		 WHERE id = $1 AND state = $4`,
		strings.TrimSpace(jobID), string(StatePending), now, string(StateDead),
	)
	if err != nil {
		return nil, fmt.Errorf("replay job failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("replay rows affected failed: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, storeError(ErrConflict, fmt.Sprintf("job %q is not dead", jobID))
	}
	return s.Get(ctx, jobID)
}

// CountActive counts a queue's non-terminal jobs.
func (s *PostgresStore) CountActive(ctx context.Context, queueID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM shove_jobs
		 WHERE queue_id = $1 AND state NOT IN ('delivered', 'dead')`,
		strings.TrimSpace(queueID),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active jobs failed: %w", err)
	}
	return count, nil
}

// PurgeQueue removes every job belonging to a queue.
func (s *PostgresStore) PurgeQueue(ctx context.Context, queueID string) (int, error) {
	queueID = strings.TrimSpace(queueID)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM shove_attempts WHERE job_id IN (SELECT id FROM shove_jobs WHERE queue_id = $1)`,
		queueID,
	); err != nil {
		return 0, fmt.Errorf("purge attempts failed: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM shove_jobs WHERE queue_id = $1`, queueID)
	if err != nil {
		return 0, fmt.Errorf("purge jobs failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected failed: %w", err)
	}
	return int(affected), nil
}

// PurgeDead removes dead jobs older than the cutoff.
func (s *PostgresStore) PurgeDead(ctx context.Context, olderThan time.Time) (int, error) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM shove_attempts WHERE job_id IN
			(SELECT id FROM shove_jobs WHERE state = $1 AND updated_at <= $2)`,
		string(StateDead), olderThan,
	); err != nil {
		return 0, fmt.Errorf("purge dead attempts failed: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM shove_jobs WHERE state = $1 AND updated_at <= $2`,
		string(StateDead), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("purge dead jobs failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge dead rows affected failed: %w", err)
	}
	return int(affected), nil
}

// CreateRecurring persists a recurring definition.
func (s *PostgresStore) CreateRecurring(ctx context.Context, def *RecurringDefinition) error {
	if def == nil {
		return storeError(ErrValidation, "definition is required")
	}
	if strings.TrimSpace(def.ID) == "" {
		def.ID = uuid.NewString()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	if strings.TrimSpace(def.ContentType) == "" {
		def.ContentType = DefaultContentType
	}
	if err := def.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO shove_recurring
			(id, queue_id, name, rule, payload, content_type, next_run, last_occurrence_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		def.ID, def.QueueID, def.Name, def.Rule, def.Payload, def.ContentType,
		def.NextRun, def.LastOccurrenceKey, def.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return storeError(ErrConflict, fmt.Sprintf("definition %q already exists", def.ID))
		}
		return fmt.Errorf("insert definition failed: %w", err)
	}
	return nil
}

// GetRecurring returns a recurring definition by ID.
func (s *PostgresStore) GetRecurring(ctx context.Context, defID string) (*RecurringDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, queue_id, name, rule, payload, content_type, next_run, last_occurrence_key, created_at
		 FROM shove_recurring WHERE id = $1`,
		strings.TrimSpace(defID),
	)
	def := &RecurringDefinition{}
	err := row.Scan(&def.ID, &def.QueueID, &def.Name, &def.Rule, &def.Payload,
		&def.ContentType, &def.NextRun, &def.LastOccurrenceKey, &def.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeError(ErrNotFound, fmt.Sprintf("definition %q not found", defID))
	}
	if err != nil {
		return nil, fmt.Errorf("scan definition failed: %w", err)
	}
	return def, nil
}

// ListRecurring returns recurring definitions, optionally scoped to a queue.
func (s *PostgresStore) ListRecurring(ctx context.Context, queueID string) ([]*RecurringDefinition, error) {
	queueID = strings.TrimSpace(queueID)
	query := `SELECT id, queue_id, name, rule, payload, content_type, next_run, last_occurrence_key, created_at
		 FROM shove_recurring ORDER BY id`
	args := []any{}
	if queueID != "" {
		query = `SELECT id, queue_id, name, rule, payload, content_type, next_run, last_occurrence_key, created_at
		 FROM shove_recurring WHERE queue_id = $1 ORDER BY id`
		args = append(args, queueID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list definitions failed: %w", err)
	}
	defer rows.Close()

	var defs []*RecurringDefinition
	for rows.Next() {
		def := &RecurringDefinition{}
		if err := rows.Scan(&def.ID, &def.QueueID, &def.Name, &def.Rule, &def.Payload,
			&def.ContentType, &def.NextRun, &def.LastOccurrenceKey, &def.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan definition failed: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// DeleteRecurring removes a recurring definition.
func (s *PostgresStore) DeleteRecurring(ctx context.Context, defID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM shove_recurring WHERE id = $1`,
		strings.TrimSpace(defID),
	)
	if err != nil {
		return fmt.Errorf("delete definition failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete definition rows affected failed: %w", err)
	}
	if affected == 0 {
		return storeError(ErrNotFound, fmt.Sprintf("definition %q not found", defID))
	}
	return nil
}

// DueRecurring returns definitions due at or before now.
func (s *PostgresStore) DueRecurring(ctx context.Context, now time.Time, limit int) ([]*RecurringDefinition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue_id, name, rule, payload, content_type, next_run, last_occurrence_key, created_at
		 FROM shove_recurring WHERE next_run <= $1 ORDER BY next_run LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due definitions failed: %w", err)
	}
	defer rows.Close()

	var defs []*RecurringDefinition
	for rows.Next() {
		def := &RecurringDefinition{}
		if err := rows.Scan(&def.ID, &def.QueueID, &def.Name, &def.Rule, &def.Payload,
			&def.ContentType, &def.NextRun, &def.LastOccurrenceKey, &def.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan definition failed: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// MarkExpanded advances NextRun once per occurrence key. The occurrence row
// insert is the compare-and-set: a second expander loses the insert and
// reports false.
func (s *PostgresStore) MarkExpanded(ctx context.Context, defID string, occurrenceKey string, nextRun time.Time) (bool, error) {
	defID = strings.TrimSpace(defID)
	occurrenceKey = strings.TrimSpace(occurrenceKey)
	if occurrenceKey == "" {
		return false, storeError(ErrValidation, "occurrence key is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeError(ErrRetryable, fmt.Sprintf("begin expand failed: %v", err))
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO shove_occurrences (recurrence_id, occurrence_key, expanded_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		defID, occurrenceKey, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert occurrence failed: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("occurrence rows affected failed: %w", err)
	}
	if inserted == 0 {
		return false, tx.Commit()
	}

	updated, err := tx.ExecContext(ctx,
		`UPDATE shove_recurring SET next_run = $2, last_occurrence_key = $3 WHERE id = $1`,
		defID, nextRun.UTC(), occurrenceKey,
	)
	if err != nil {
		return false, fmt.Errorf("advance definition failed: %w", err)
	}
	affected, err := updated.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance rows affected failed: %w", err)
	}
	if affected == 0 {
		return false, storeError(ErrNotFound, fmt.Sprintf("definition %q not found", defID))
	}
	if err := tx.Commit(); err != nil {
		return false, storeError(ErrRetryable, fmt.Sprintf("commit expand failed: %v", err))
	}
	return true, nil
}

// HealthCheck verifies database connectivity.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op; the database handle is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobInto(scanner rowScanner, job *Job) error {
	var state string
	var roundWorkers, succeededWorkers pq.StringArray
	var lastAttemptAt sql.NullTime
	err := scanner.Scan(&job.ID, &job.QueueID, &job.Payload, &job.ContentType, &state,
		&job.AvailableAt, &job.Attempt, &job.MaxAttempts,
		&roundWorkers, &succeededWorkers,
		&job.Cancelled, &job.RecurrenceID, &job.OccurrenceKey,
		&job.LastWorkerID, &job.LastStatus, &job.LastError, &lastAttemptAt,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return err
	}
	job.State = State(state)
	job.RoundWorkers = []string(roundWorkers)
	job.SucceededWorkers = []string(succeededWorkers)
	if lastAttemptAt.Valid {
		job.LastAttemptAt = lastAttemptAt.Time
	}
	return nil
}

func scanJob(row *sql.Row) (*Job, error) {
	job := &Job{}
	err := scanJobInto(row, job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeError(ErrNotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan job failed: %w", err)
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		if err := scanJobInto(rows, job); err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
