package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shovehq/shove/pkg/observability/logger"
)

const (
	defaultRegistryRedisPrefix           = "shove:registry"
	defaultRegistryRedisOperationTimeout = 5 * time.Second
)

// RedisRegistryConfig configures a Redis-backed registry.
type RedisRegistryConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisRegistryConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRegistryRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRegistryRedisOperationTimeout
	}
}

type redisQueue struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Type          string    `json:"type"`
	SigningSecret string    `json:"signing_secret"`
	MaxAttempts   int       `json:"max_attempts,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type redisWorker struct {
	ID            string    `json:"id"`
	QueueID       string    `json:"queue_id"`
	URL           string    `json:"url"`
	SigningSecret string    `json:"signing_secret,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// RedisRegistry is a Registry over Redis. Queue and worker documents live
// in string keys; a hash arbitrates unique queue names and a list keeps
// each queue's worker registration order.
type RedisRegistry struct {
	client  *redis.Client
	log     logger.Logger
	config  RedisRegistryConfig
	counter PendingCounter

	allowLoopback bool
}

// RedisRegistryOption configures a RedisRegistry.
type RedisRegistryOption func(*RedisRegistry)

// WithRedisPendingCounter wires the job store guard consulted by RemoveQueue.
func WithRedisPendingCounter(counter PendingCounter) RedisRegistryOption {
	return func(r *RedisRegistry) {
		r.counter = counter
	}
}

// WithRedisLoopbackWorkers allows loopback worker URLs. Intended for development.
func WithRedisLoopbackWorkers() RedisRegistryOption {
	return func(r *RedisRegistry) {
		r.allowLoopback = true
	}
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(cfg RedisRegistryConfig, log logger.Logger, opts ...RedisRegistryOption) (*RedisRegistry, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	parsed, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	r := &RedisRegistry{client: client, log: log, config: cfg}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// NewRedisRegistryWithClient wraps an existing client. Intended for tests.
func NewRedisRegistryWithClient(client *redis.Client, cfg RedisRegistryConfig, log logger.Logger, opts ...RedisRegistryOption) *RedisRegistry {
	cfg.normalize()
	r := &RedisRegistry{client: client, log: log, config: cfg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisRegistry) queueKey(queueID string) string {
	return r.config.Prefix + ":queue:" + queueID
}
func (r *RedisRegistry) queueIDsKey() string { return r.config.Prefix + ":queues" }
func (r *RedisRegistry) namesKey() string    { return r.config.Prefix + ":names" }
func (r *RedisRegistry) workerKey(workerID string) string {
	return r.config.Prefix + ":worker:" + workerID
}
func (r *RedisRegistry) queueWorkersKey(queueID string) string {
	return r.config.Prefix + ":queue:" + queueID + ":workers"
}

func (r *RedisRegistry) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, r.config.OperationTimeout)
}

// CreateQueue registers a new queue with a fixed delivery type. The name
// hash arbitrates uniqueness; losing the HSetNX race reports a duplicate.
func (r *RedisRegistry) CreateQueue(ctx context.Context, name string, queueType Type, opts CreateQueueOptions) (*Queue, error) {
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

	opCtx, cancel := r.operationContext(ctx)
	defer cancel()

	claimed, err := r.client.HSetNX(opCtx, r.namesKey(), name, q.ID).Result()
	if err != nil {
		return nil, registryError(ErrRetryable, fmt.Sprintf("reserve queue name failed: %v", err))
	}
	if !claimed {
		return nil, registryError(ErrDuplicateName, fmt.Sprintf("queue %q already exists", name))
	}

	encoded, err := encodeRedisQueue(q)
	if err != nil {
		return nil, err
	}
	_, err = r.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, r.queueKey(q.ID), encoded, 0)
		pipe.SAdd(opCtx, r.queueIDsKey(), q.ID)
		return nil
	})
	if err != nil {
		return nil, registryError(ErrRetryable, fmt.Sprintf("store queue failed: %v", err))
	}
	return cloneQueue(q), nil
}

// GetQueue returns a queue by ID.
func (r *RedisRegistry) GetQueue(ctx context.Context, queueID string) (*Queue, error) {
	opCtx, cancel := r.operationContext(ctx)
	defer cancel()
	return r.getQueue(opCtx, strings.TrimSpace(queueID))
}

func (r *RedisRegistry) getQueue(ctx context.Context, queueID string) (*Queue, error) {
	raw, err := r.client.Get(ctx, r.queueKey(queueID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, registryError(ErrNotFound, fmt.Sprintf("queue %q not found", queueID))
	}
	if err != nil {
		return nil, registryError(ErrRetryable, fmt.Sprintf("load queue failed: %v", err))
	}
	return decodeRedisQueue([]byte(raw))
}

// GetQueueByName returns a queue by its unique name.
func (r *RedisRegistry) GetQueueByName(ctx context.Context, name string) (*Queue, error) {
	opCtx, cancel := r.operationContext(ctx)
	defer cancel()

	id, err := r.client.HGet(opCtx, r.namesKey(), strings.TrimSpace(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, registryError(ErrNotFound, fmt.Sprintf("queue %q not found", name))
	}
	if err != nil {
		return nil, registryError(ErrRetryable, fmt.Sprintf("resolve queue name failed: %v", err))
	}
	return r.getQueue(opCtx, id)
}

// ListQueues returns all queues sorted by name.
func (r *RedisRegistry) ListQueues(ctx context.Context) ([]*Queue, error) {
	opCtx, cancel := r.operationContext(ctx)
	defer cancel()

	ids, err := r.client.SMembers(opCtx, r.queueIDsKey()).Result()
	if err != nil {
		return nil, registryError(ErrRetryable, fmt.Sprintf("list queues failed: %v", err))
	}
	queues := make([]*Queue, 0, len(ids))
	for _, id := range ids {
		q, err := r.getQueue(opCtx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		queues = append(queues, q)
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

// RemoveQueue deletes a queue and its workers. Without force it fails while
// the queue still holds undelivered jobs.
func (r *RedisRegistry) RemoveQueue(ctx context.Context, queueID string, force bool) error {
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

	opCtx, cancel := r.operationContext(ctx)
	defer cancel()

	q, err := r.getQueue(opCtx, queueID)
	if err != nil {
		return err
	}
	workerIDs, err := r.client.LRange(opCtx, r.queueWorkersKey(queueID), 0, -1).Result()
	if err != nil {
		return registryError(ErrRetryable, fmt.Sprintf("list queue workers failed: %v", err))
	}

	_, err = r.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		for _, workerID := range workerIDs {
			pipe.Del(opCtx, r.workerKey(workerID))
		}
		pipe.Del(opCtx, r.queueWorkersKey(queueID))
		pipe.Del(opCtx, r.queueKey(queueID))
		pipe.HDel(opCtx, r.namesKey(), q.Name)
		pipe.SRem(opCtx, r.queueIDsKey(), queueID)
		return nil
	})
	if err != nil {
		return registryError(ErrRetryable, fmt.Sprintf("remove queue failed: %v", err))
	}
	return nil
}

// AddWorker registers a worker endpoint on a queue.
func (r *RedisRegistry) AddWorker(ctx context.Context, queueID string, workerURL string, opts AddWorkerOptions) (*Worker, error) {
	if err := ValidateWorkerURL(workerURL, r.allowLoopback); err != nil {
		return nil, err
	}
	queueID = strings.TrimSpace(queueID)

	opCtx, cancel := r.operationContext(ctx)
	defer cancel()

	if _, err := r.getQueue(opCtx, queueID); err != nil {
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
	encoded, err := encodeRedisWorker(w)
	if err != nil {
		return nil, err
	}

	_, err = r.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, r.workerKey(w.ID), encoded, 0)
		pipe.RPush(opCtx, r.queueWorkersKey(queueID), w.ID)
		return nil
	})
	if err != nil {
		return nil, registryError(ErrRetryable, fmt.Sprintf("store worker failed: %v", err))
	}
	recordWorkerAdded(queueID)
	return cloneWorker(w), nil
}

// GetWorker returns a worker by ID.
func (r *RedisRegistry) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	opCtx, cancel := r.operationContext(ctx)
	defer cancel()
	return r.getWorker(opCtx, strings.TrimSpace(workerID))
}

func (r *RedisRegistry) getWorker(ctx context.Context, workerID string) (*Worker, error) {
	raw, err := r.client.Get(ctx, r.workerKey(workerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, registryError(ErrNotFound, fmt.Sprintf("worker %q not found", workerID))
	}
	if err != nil {
		return nil, registryError(ErrRetryable, fmt.Sprintf("load worker failed: %v", err))
	}
	return decodeRedisWorker([]byte(raw))
}

// ListWorkers returns a queue's workers in registration order.
func (r *RedisRegistry) ListWorkers(ctx context.Context, queueID string, activeOnly bool) ([]*Worker, error) {
	queueID = strings.TrimSpace(queueID)

	opCtx, cancel := r.operationContext(ctx)
	defer cancel()

	if _, err := r.getQueue(opCtx, queueID); err != nil {
		return nil, err
	}
	workerIDs, err := r.client.LRange(opCtx, r.queueWorkersKey(queueID), 0, -1).Result()
	if err != nil {
		return nil, registryError(ErrRetryable, fmt.Sprintf("list queue workers failed: %v", err))
	}
	workers := make([]*Worker, 0, len(workerIDs))
	for _, workerID := range workerIDs {
		w, err := r.getWorker(opCtx, workerID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if activeOnly && !w.Active {
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// DisableWorker marks a worker inactive for future dispatches.
func (r *RedisRegistry) DisableWorker(ctx context.Context, workerID string) error {
	opCtx, cancel := r.operationContext(ctx)
	defer cancel()

	w, err := r.getWorker(opCtx, strings.TrimSpace(workerID))
	if err != nil {
		return err
	}
	w.Active = false
	encoded, err := encodeRedisWorker(w)
	if err != nil {
		return err
	}
	if err := r.client.Set(opCtx, r.workerKey(w.ID), encoded, 0).Err(); err != nil {
		return registryError(ErrRetryable, fmt.Sprintf("store worker failed: %v", err))
	}
	return nil
}

// RemoveWorker unregisters a worker endpoint.
func (r *RedisRegistry) RemoveWorker(ctx context.Context, workerID string) error {
	workerID = strings.TrimSpace(workerID)

	opCtx, cancel := r.operationContext(ctx)
	defer cancel()

	w, err := r.getWorker(opCtx, workerID)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.LRem(opCtx, r.queueWorkersKey(w.QueueID), 0, workerID)
		pipe.Del(opCtx, r.workerKey(workerID))
		return nil
	})
	if err != nil {
		return registryError(ErrRetryable, fmt.Sprintf("remove worker failed: %v", err))
	}
	recordWorkerRemoved(w.QueueID)
	return nil
}

// HealthCheck pings the backend.
func (r *RedisRegistry) HealthCheck(ctx context.Context) error {
	opCtx, cancel := r.operationContext(ctx)
	defer cancel()
	if err := r.client.Ping(opCtx).Err(); err != nil {
		return registryError(ErrRetryable, fmt.Sprintf("redis ping failed: %v", err))
	}
	return nil
}

// Close releases the client connection.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func encodeRedisQueue(q *Queue) (string, error) {
	doc := redisQueue{
		ID:            q.ID,
		Name:          q.Name,
		Type:          string(q.Type),
		SigningSecret: q.SigningSecret,
		MaxAttempts:   q.MaxAttempts,
		CreatedAt:     q.CreatedAt,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", registryError(ErrRetryable, fmt.Sprintf("encode queue failed: %v", err))
	}
	return string(raw), nil
}

func decodeRedisQueue(raw []byte) (*Queue, error) {
	var doc redisQueue
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, registryError(ErrRetryable, fmt.Sprintf("decode queue failed: %v", err))
	}
	return &Queue{
		ID:            doc.ID,
		Name:          doc.Name,
		Type:          Type(doc.Type),
		SigningSecret: doc.SigningSecret,
		MaxAttempts:   doc.MaxAttempts,
		CreatedAt:     doc.CreatedAt,
	}, nil
}

func encodeRedisWorker(w *Worker) (string, error) {
	doc := redisWorker{
		ID:            w.ID,
		QueueID:       w.QueueID,
		URL:           w.URL,
		SigningSecret: w.SigningSecret,
		Active:        w.Active,
		CreatedAt:     w.CreatedAt,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", registryError(ErrRetryable, fmt.Sprintf("encode worker failed: %v", err))
	}
	return string(raw), nil
}

func decodeRedisWorker(raw []byte) (*Worker, error) {
	var doc redisWorker
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, registryError(ErrRetryable, fmt.Sprintf("decode worker failed: %v", err))
	}
	return &Worker{
		ID:            doc.ID,
		QueueID:       doc.QueueID,
		URL:           doc.URL,
		SigningSecret: doc.SigningSecret,
		Active:        doc.Active,
		CreatedAt:     doc.CreatedAt,
	}, nil
}
