package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/shovehq/shove/pkg/observability/logger"
)

const pgUniqueViolation = "23505"

// PostgresRegistry is a Registry backed by PostgreSQL.
type PostgresRegistry struct {
	db      *sql.DB
	log     logger.Logger
	counter PendingCounter

	allowLoopback bool
}

// PostgresRegistryOption configures a PostgresRegistry.
type PostgresRegistryOption func(*PostgresRegistry)

// WithPostgresPendingCounter wires the job store guard consulted by RemoveQueue.
func WithPostgresPendingCounter(counter PendingCounter) PostgresRegistryOption {
	return func(r *PostgresRegistry) {
		r.counter = counter
	}
}

// WithPostgresLoopbackWorkers allows loopback worker URLs. Intended for development.
func WithPostgresLoopbackWorkers() PostgresRegistryOption {
	return func(r *PostgresRegistry) {
		r.allowLoopback = true
	}
}

// NewPostgresRegistry creates a registry over an existing database handle.
func NewPostgresRegistry(db *sql.DB, log logger.Logger, opts ...PostgresRegistryOption) (*PostgresRegistry, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	r := &PostgresRegistry{
		db:  db,
		log: log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// EnsureSchema creates the registry tables when missing.
func (r *PostgresRegistry) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS shove_queues (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL UNIQUE,
			type           TEXT NOT NULL,
			signing_secret TEXT NOT NULL,
			max_attempts   INTEGER NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shove_workers (
			id             TEXT PRIMARY KEY,
			queue_id       TEXT NOT NULL REFERENCES shove_queues(id) ON DELETE CASCADE,
			url            TEXT NOT NULL,
			signing_secret TEXT NOT NULL DEFAULT '',
			active         BOOLEAN NOT NULL DEFAULT TRUE,
			position       BIGSERIAL,
			created_at     TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS shove_workers_queue_idx ON shove_workers (queue_id, position)`,
	}
	for _, statement := range statements {
		if _, err := r.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("ensure registry schema failed: %w", err)
		}
	}
	return nil
}

// CreateQueue registers a new queue with a fixed delivery type.
func (r *PostgresRegistry) CreateQueue(ctx context.Context, name string, queueType Type, opts CreateQueueOptions) (*Queue, error) {
	name = strings.TrimSpace(name)
	q := &Queue{
		ID:            uuid.NewString(),
		Name:          name,
		Type:          queueType,
		SigningSecret: strings.TrimSpace(opts.SigningSecret),
		MaxAttempts:   opts.MaxAttempts,
		CreatedAt:     nowUTC(),
	}
	if q.SigningSecret == "" {
		q.SigningSecret = NewSigningSecret()
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO shove_queues (id, name, type, signing_secret, max_attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		q.ID, q.Name, string(q.Type), q.SigningSecret, q.MaxAttempts, q.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return nil, registryError(ErrDuplicateName, fmt.Sprintf("queue %q already exists", name))
		}
		return nil, fmt.Errorf("insert queue failed: %w", err)
	}
	return q, nil
}

// GetQueue returns a queue by ID.
func (r *PostgresRegistry) GetQueue(ctx context.Context, queueID string) (*Queue, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, type, signing_secret, max_attempts, created_at
		 FROM shove_queues WHERE id = $1`,
		strings.TrimSpace(queueID),
	)
	return scanQueue(row, queueID)
}

// GetQueueByName returns a queue by its unique name.
func (r *PostgresRegistry) GetQueueByName(ctx context.Context, name string) (*Queue, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, type, signing_secret, max_attempts, created_at
		 FROM shove_queues WHERE name = $1`,
		strings.TrimSpace(name),
	)
	return scanQueue(row, name)
}

// ListQueues returns all queues sorted by name.
func (r *PostgresRegistry) ListQueues(ctx context.Context) ([]*Queue, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, type, signing_secret, max_attempts, created_at
		 FROM shove_queues ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list queues failed: %w", err)
	}
	defer rows.Close()

	var queues []*Queue
	for rows.Next() {
		q := &Queue{}
		var queueType string
		if err := rows.Scan(&q.ID, &q.Name, &queueType, &q.SigningSecret, &q.MaxAttempts, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan queue failed: %w", err)
		}
		q.Type = Type(queueType)
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// RemoveQueue deletes a queue and its workers. Without force it fails while
// the queue still holds undelivered jobs.
func (r *PostgresRegistry) RemoveQueue(ctx context.Context, queueID string, force bool) error {
	queueID = strings.TrimSpace(queueID)

	if !force && r.counter != nil {
		pending, err := r.counter.CountActive(ctx, queueID)
		if err != nil {
			return registryError(ErrRetryable, fmt.Sprintf("count pending jobs failed: %v", err))
		}
		if pending > 0 {
			return registryError(ErrNonEmptyQueue, fmt.Sprintf("queue %q still holds %d jobs", queueID, pending))
		}
	}

	result, err := r.db.ExecContext(ctx, `DELETE FROM shove_queues WHERE id = $1`, queueID)
	if err != nil {
		return fmt.Errorf("delete queue failed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete queue rows affected failed: %w", err)
	}
	if affected == 0 {
		return registryError(ErrNotFound, fmt.Sprintf("queue %q not found", queueID))
	}
	return nil
}

// AddWorker registers a worker endpoint on a queue.
func (r *PostgresRegistry) AddWorker(ctx context.Context, queueID string, workerURL string, opts AddWorkerOptions) (*Worker, error) {
	if err := ValidateWorkerURL(workerURL, r.allowLoopback); err != nil {
		return nil, err
	}
	queueID = strings.TrimSpace(queueID)

	if _, err := r.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}

	w := &Worker{
		ID:            uuid.NewString(),
		QueueID:       queueID,
		URL:           strings.TrimSpace(workerURL),
		SigningSecret: strings.TrimSpace(opts.SigningSecret),
		Active:        true,
		CreatedAt:     nowUTC(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO shove_workers (id, queue_id, url, signing_secret, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		w.ID, w.QueueID, w.URL, w.SigningSecret, w.Active, w.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert worker failed: %w", err)
	}
	recordWorkerAdded(queueID)
	return w, nil
}

// GetWorker returns a worker by ID.
func (r *PostgresRegistry) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, queue_id, url, signing_secret, active, created_at
		 FROM shove_workers WHERE id = $1`,
		strings.TrimSpace(workerID),
	)
	w := &Worker{}
	err := row.Scan(&w.ID, &w.QueueID, &w.URL, &w.SigningSecret, &w.Active, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registryError(ErrNotFound, fmt.Sprintf("worker %q not found", workerID))
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker failed: %w", err)
	}
	return w, nil
}

// ListWorkers returns a queue's workers in registration order.
func (r *PostgresRegistry) ListWorkers(ctx context.Context, queueID string, activeOnly bool) ([]*Worker, error) {
	queueID = strings.TrimSpace(queueID)
	query := `SELECT id, queue_id, url, signing_secret, active, created_at
		 FROM shove_workers WHERE queue_id = $1 ORDER BY position`
	if activeOnly {
		query = `SELECT id, queue_id, url, signing_secret, active, created_at
		 FROM shove_workers WHERE queue_id = $1 AND active ORDER BY position`
	}

	rows, err := r.db.QueryContext(ctx, query, queueID)
	if err != nil {
		return nil, fmt.Errorf("list workers failed: %w", err)
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w := &Worker{}
		if err := rows.Scan(&w.ID, &w.QueueID, &w.URL, &w.SigningSecret, &w.Active, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan worker failed: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// DisableWorker marks a worker inactive for future dispatches.
func (r *PostgresRegistry) DisableWorker(ctx context.Context, workerID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE shove_workers SET active = FALSE WHERE id = $1`,
		strings.TrimSpace(workerID),
	)
	if err != nil {
		return fmt.Errorf("disable worker failed: %w", err)
	}
	return requireAffected(result, ErrNotFound, fmt.Sprintf("worker %q not found", workerID))
}

// RemoveWorker unregisters a worker endpoint.
func (r *PostgresRegistry) RemoveWorker(ctx context.Context, workerID string) error {
	w, err := r.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM shove_workers WHERE id = $1`,
		strings.TrimSpace(workerID),
	)
	if err != nil {
		return fmt.Errorf("delete worker failed: %w", err)
	}
	if err := requireAffected(result, ErrNotFound, fmt.Sprintf("worker %q not found", workerID)); err != nil {
		return err
	}
	recordWorkerRemoved(w.QueueID)
	return nil
}

// HealthCheck verifies database connectivity.
func (r *PostgresRegistry) HealthCheck(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close is a no-op; the database handle is owned by the caller.
func (r *PostgresRegistry) Close() error {
	return nil
}

func scanQueue(row *sql.Row, ref string) (*Queue, error) {
	q := &Queue{}
	var queueType string
	err := row.Scan(&q.ID, &q.Name, &queueType, &q.SigningSecret, &q.MaxAttempts, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registryError(ErrNotFound, fmt.Sprintf("queue %q not found", ref))
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue failed: %w", err)
	}
	q.Type = Type(queueType)
	return q, nil
}

func requireAffected(result sql.Result, kind error, message string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected failed: %w", err)
	}
	if affected == 0 {
		return registryError(kind, message)
	}
	return nil
}
