package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shovehq/shove/pkg/observability/logger"
)

const (
	defaultRedisPrefix           = "shove:jobs"
	defaultRedisOperationTimeout = 5 * time.Second
)

var (
	// redisClaimScript pops due job IDs from the due index. ZREM inside the
	// script makes the caller the sole claimer of each returned ID.
	redisClaimScript = redis.NewScript(`
local due = KEYS[1]
local nowMs = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local ids = redis.call("ZRANGEBYSCORE", due, "-inf", nowMs, "LIMIT", 0, limit)
for _, id in ipairs(ids) do
  redis.call("ZREM", due, id)
end
return ids
`)

	// redisSwapJobScript replaces a job document only when it is unchanged
	// since the caller read it, updating the due and dead indexes in the same
	// step. Returns 1 on success, 0 when the job is gone, -1 on a lost race.
	redisSwapJobScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
if current ~= ARGV[1] then
  return -1
end

redis.call("SET", KEYS[1], ARGV[2])

local id = ARGV[3]
redis.call("ZREM", KEYS[2], id)
if ARGV[4] ~= "" then
  redis.call("ZADD", KEYS[2], tonumber(ARGV[4]), id)
end
redis.call("ZREM", KEYS[3], id)
if ARGV[5] ~= "" then
  redis.call("ZADD", KEYS[3], tonumber(ARGV[5]), id)
end
return 1
`)
)

// RedisStoreConfig configures a Redis-backed job store.
type RedisStoreConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisStoreConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

type redisJob struct {
	ID               string    `json:"id"`
	QueueID          string    `json:"queue_id"`
	Payload          []byte    `json:"payload"`
	ContentType      string    `json:"content_type"`
	State            string    `json:"state"`
	AvailableAt      time.Time `json:"available_at"`
	Attempt          int       `json:"attempt"`
	MaxAttempts      int       `json:"max_attempts,omitempty"`
	RoundWorkers     []string  `json:"round_workers,omitempty"`
	SucceededWorkers []string  `json:"succeeded_workers,omitempty"`
	Cancelled        bool      `json:"cancelled,omitempty"`
	RecurrenceID     string    `json:"recurrence_id,omitempty"`
	OccurrenceKey    string    `json:"occurrence_key,omitempty"`
	LastWorkerID     string    `json:"last_worker_id,omitempty"`
	LastStatus       int       `json:"last_status,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	LastAttemptAt    time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type redisAttempt struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	WorkerID   string    `json:"worker_id,omitempty"`
	WorkerURL  string    `json:"worker_url"`
	Attempt    int       `json:"attempt"`
	Signature  string    `json:"signature,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMs  int64     `json:"latency_ms,omitempty"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

type redisRecurring struct {
	ID                string    `json:"id"`
	QueueID           string    `json:"queue_id"`
	Name              string    `json:"name,omitempty"`
	Rule              string    `json:"rule"`
	Payload           []byte    `json:"payload"`
	ContentType       string    `json:"content_type"`
	NextRun           time.Time `json:"next_run"`
	LastOccurrenceKey string    `json:"last_occurrence_key,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// RedisStore is a FullStore over Redis. Job documents live in string keys,
// due jobs in a score-by-availability ZSET, dead jobs in a score-by-update
// ZSET. Claiming pops IDs from the due index inside a Lua script.
type RedisStore struct {
	client *redis.Client
	log    logger.Logger
	config RedisStoreConfig
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisStoreConfig, log logger.Logger) (*RedisStore, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url failed: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}

	return &RedisStore{client: client, log: log, config: cfg}, nil
}

// NewRedisStoreWithClient wraps an existing client. Intended for tests.
func NewRedisStoreWithClient(client *redis.Client, cfg RedisStoreConfig, log logger.Logger) *RedisStore {
	cfg.normalize()
	return &RedisStore{client: client, log: log, config: cfg}
}

func (s *RedisStore) jobKey(jobID string) string { return s.config.Prefix + ":job:" + jobID }
func (s *RedisStore) dueKey() string             { return s.config.Prefix + ":due" }
func (s *RedisStore) deadKey() string            { return s.config.Prefix + ":dead" }
func (s *RedisStore) queueKey(queueID string) string {
	return s.config.Prefix + ":queue:" + queueID
}
func (s *RedisStore) attemptsKey(jobID string) string {
	return s.config.Prefix + ":attempts:" + jobID
}
func (s *RedisStore) recurringKey(defID string) string {
	return s.config.Prefix + ":recurring:" + defID
}
func (s *RedisStore) recurringIDsKey() string { return s.config.Prefix + ":recurring:ids" }
func (s *RedisStore) recurringDueKey() string { return s.config.Prefix + ":recurring:due" }
func (s *RedisStore) occurrencesKey(defID string) string {
	return s.config.Prefix + ":occurrences:" + defID
}

func (s *RedisStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

// Enqueue persists a new job and indexes it for claiming.
func (s *RedisStore) Enqueue(ctx context.Context, job *Job) error {
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

	encoded, err := encodeRedisJob(job)
	if err != nil {
		return err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	created, err := s.client.SetNX(opCtx, s.jobKey(job.ID), encoded, 0).Result()
	if err != nil {
		return storeError(ErrRetryable, fmt.Sprintf("store job failed: %v", err))
	}
	if !created {
		return storeError(ErrConflict, fmt.Sprintf("job %q already exists", job.ID))
	}

	_, err = s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(opCtx, s.queueKey(job.QueueID), job.ID)
		pipe.ZAdd(opCtx, s.dueKey(), redis.Z{
			Score:  float64(job.AvailableAt.UnixMilli()),
			Member: job.ID,
		})
		return nil
	})
	if err != nil {
		return storeError(ErrRetryable, fmt.Sprintf("index job failed: %v", err))
	}
	recordJobEnqueued("redis", job.QueueID)
	return nil
}

// Get returns a job by ID.
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Job, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	job, _, err := s.getJob(opCtx, strings.TrimSpace(jobID))
	return job, err
}

func (s *RedisStore) getJob(ctx context.Context, jobID string) (*Job, string, error) {
	raw, err := s.client.Get(ctx, s.jobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", storeError(ErrNotFound, fmt.Sprintf("job %q not found", jobID))
	}
	if err != nil {
		return nil, "", storeError(ErrRetryable, fmt.Sprintf("load job failed: %v", err))
	}
	job, err := decodeRedisJob(raw)
	if err != nil {
		return nil, "", err
	}
	return job, raw, nil
}

// ListByQueue returns a queue's jobs, newest first.
func (s *RedisStore) ListByQueue(ctx context.Context, queueID string, state State, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	jobs, err := s.queueJobs(opCtx, strings.TrimSpace(queueID))
	if err != nil {
		return nil, err
	}
	if state != "" {
		filtered := jobs[:0]
		for _, job := range jobs {
			if job.State == state {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *RedisStore) queueJobs(ctx context.Context, queueID string) ([]*Job, error) {
	ids, err := s.client.SMembers(ctx, s.queueKey(queueID)).Result()
	if err != nil {
		return nil, storeError(ErrRetryable, fmt.Sprintf("load queue index failed: %v", err))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.jobKey(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeError(ErrRetryable, fmt.Sprintf("load jobs failed: %v", err))
	}

	var jobs []*Job
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		job, err := decodeRedisJob(raw)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ClaimDue atomically pops due job IDs and transitions them to in-flight.
func (s *RedisStore) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	raw, err := redisClaimScript.Run(opCtx, s.client,
		[]string{s.dueKey()},
		now.UTC().UnixMilli(), limit,
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storeError(ErrRetryable, fmt.Sprintf("claim script failed: %v", err))
	}

	nowUTC := now.UTC()
	var claimed []*Job
	for _, jobID := range raw {
		for {
			job, previous, err := s.getJob(opCtx, jobID)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					break
				}
				return claimed, err
			}
			// re-checked on every read: a concurrent Cancel or claimer may
			// have moved the document since the script popped the ID
			if job.State != StatePending && job.State != StateRetryScheduled {
				break
			}
			job.State = StateInFlight
			job.UpdatedAt = nowUTC
			swapped, err := s.swapJob(opCtx, job, previous, "", "")
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					break
				}
				return claimed, err
			}
			if !swapped {
				continue
			}
			claimed = append(claimed, job)
			recordJobClaimed("redis", job.QueueID)
			break
		}
	}
	return claimed, nil
}

// RecordOutcome applies a dispatch round outcome with a compare-and-swap on
// the job document.
func (s *RedisStore) RecordOutcome(ctx context.Context, jobID string, outcome Outcome) (*Job, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	jobID = strings.TrimSpace(jobID)

	for {
		job, previous, err := s.getJob(opCtx, jobID)
		if err != nil {
			return nil, err
		}
		if err := applyOutcome(job, outcome, time.Now().UTC()); err != nil {
			return nil, err
		}

		dueScore := ""
		if job.State == StateRetryScheduled {
			dueScore = strconv.FormatInt(job.AvailableAt.UnixMilli(), 10)
		}
		deadScore := ""
		if job.State == StateDead {
			deadScore = strconv.FormatInt(job.UpdatedAt.UnixMilli(), 10)
		}
		swapped, err := s.swapJob(opCtx, job, previous, dueScore, deadScore)
		if err != nil {
			return nil, err
		}
		if swapped {
			recordJobOutcome("redis", job.QueueID, string(job.State))
			return job, nil
		}
	}
}

// swapJob writes the job document back, guarded against concurrent writers.
// Returns false when the document changed underneath the caller.
func (s *RedisStore) swapJob(ctx context.Context, job *Job, previous, dueScore, deadScore string) (bool, error) {
	encoded, err := encodeRedisJob(job)
	if err != nil {
		return false, err
	}
	result, err := redisSwapJobScript.Run(ctx, s.client,
		[]string{s.jobKey(job.ID), s.dueKey(), s.deadKey()},
		previous, encoded, job.ID, dueScore, deadScore,
	).Int()
	if err != nil {
		return false, storeError(ErrRetryable, fmt.Sprintf("swap job failed: %v", err))
	}
	switch result {
	case 1:
		return true, nil
	case 0:
		return false, storeError(ErrNotFound, fmt.Sprintf("job %q not found", job.ID))
	default:
		return false, nil
	}
}

// AppendAttempt records one delivery attempt.
func (s *RedisStore) AppendAttempt(ctx context.Context, attempt *DeliveryAttempt) error {
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

	encoded, err := json.Marshal(redisAttempt{
		ID:         attempt.ID,
		JobID:      attempt.JobID,
		WorkerID:   attempt.WorkerID,
		WorkerURL:  attempt.WorkerURL,
		Attempt:    attempt.Attempt,
		Signature:  attempt.Signature,
		StatusCode: attempt.StatusCode,
		LatencyMs:  attempt.Latency.Milliseconds(),
		Result:     string(attempt.Result),
		Error:      attempt.Error,
		At:         attempt.At,
	})
	if err != nil {
		return fmt.Errorf("marshal attempt failed: %w", err)
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.RPush(opCtx, s.attemptsKey(attempt.JobID), string(encoded)).Err(); err != nil {
		return storeError(ErrRetryable, fmt.Sprintf("store attempt failed: %v", err))
	}
	return nil
}

// ListAttempts returns a job's attempts in record order.
func (s *RedisStore) ListAttempts(ctx context.Context, jobID string) ([]*DeliveryAttempt, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	values, err := s.client.LRange(opCtx, s.attemptsKey(strings.TrimSpace(jobID)), 0, -1).Result()
	if err != nil {
		return nil, storeError(ErrRetryable, fmt.Sprintf("load attempts failed: %v", err))
	}

	attempts := make([]*DeliveryAttempt, 0, len(values))
	for _, value := range values {
		var record redisAttempt
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, fmt.Errorf("unmarshal attempt failed: %w", err)
		}
		attempts = append(attempts, &DeliveryAttempt{
			ID:         record.ID,
			JobID:      record.JobID,
			WorkerID:   record.WorkerID,
			WorkerURL:  record.WorkerURL,
			Attempt:    record.Attempt,
			Signature:  record.Signature,
			StatusCode: record.StatusCode,
			Latency:    time.Duration(record.LatencyMs) * time.Millisecond,
			Result:     Result(record.Result),
			Error:      record.Error,
			At:         record.At,
		})
	}
	return attempts, nil
}

// Cancel marks a job cancelled. Jobs not yet in flight die immediately.
func (s *RedisStore) Cancel(ctx context.Context, jobID string) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	jobID = strings.TrimSpace(jobID)

	for {
		job, previous, err := s.getJob(opCtx, jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			return storeError(ErrConflict, fmt.Sprintf("job %q is already %s", jobID, job.State))
		}

		now := time.Now().UTC()
		job.Cancelled = true
		job.UpdatedAt = now
		deadScore := ""
		if job.State == StatePending || job.State == StateRetryScheduled {
			job.State = StateDead
			job.LastError = "cancelled"
			deadScore = strconv.FormatInt(now.UnixMilli(), 10)
		}
		swapped, err := s.swapJob(opCtx, job, previous, "", deadScore)
		if err != nil {
			return err
		}
		if swapped {
			return nil
		}
	}
}

// Replay re-enqueues a dead job with a reset attempt counter.
func (s *RedisStore) Replay(ctx context.Context, jobID string) (*Job, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	jobID = strings.TrimSpace(jobID)

	for {
		job, previous, err := s.getJob(opCtx, jobID)
		if err != nil {
			return nil, err
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
		swapped, err := s.swapJob(opCtx, job, previous, strconv.FormatInt(now.UnixMilli(), 10), "")
		if err != nil {
			return nil, err
		}
		if swapped {
			return job, nil
		}
	}
}

// CountActive counts a queue's non-terminal jobs.
func (s *RedisStore) CountActive(ctx context.Context, queueID string) (int, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	jobs, err := s.queueJobs(opCtx, strings.TrimSpace(queueID))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range jobs {
		if !job.State.Terminal() {
			count++
		}
	}
	return count, nil
}

// PurgeQueue removes every job belonging to a queue.
func (s *RedisStore) PurgeQueue(ctx context.Context, queueID string) (int, error) {
	queueID = strings.TrimSpace(queueID)
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	ids, err := s.client.SMembers(opCtx, s.queueKey(queueID)).Result()
	if err != nil {
		return 0, storeError(ErrRetryable, fmt.Sprintf("load queue index failed: %v", err))
	}
	if len(ids) == 0 {
		return 0, nil
	}

	_, err = s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(opCtx, s.jobKey(id), s.attemptsKey(id))
			pipe.ZRem(opCtx, s.dueKey(), id)
			pipe.ZRem(opCtx, s.deadKey(), id)
		}
		pipe.Del(opCtx, s.queueKey(queueID))
		return nil
	})
	if err != nil {
		return 0, storeError(ErrRetryable, fmt.Sprintf("purge queue failed: %v", err))
	}
	return len(ids), nil
}

// PurgeDead removes dead jobs older than the cutoff.
func (s *RedisStore) PurgeDead(ctx context.Context, olderThan time.Time) (int, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	cutoff := strconv.FormatInt(olderThan.UTC().UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(opCtx, s.deadKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: cutoff,
	}).Result()
	if err != nil {
		return 0, storeError(ErrRetryable, fmt.Sprintf("load dead index failed: %v", err))
	}

	purged := 0
	for _, id := range ids {
		job, _, err := s.getJob(opCtx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return purged, err
		}
		_, err = s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
			pipe.Del(opCtx, s.jobKey(id), s.attemptsKey(id))
			pipe.ZRem(opCtx, s.deadKey(), id)
			if job != nil {
				pipe.SRem(opCtx, s.queueKey(job.QueueID), id)
			}
			return nil
		})
		if err != nil {
			return purged, storeError(ErrRetryable, fmt.Sprintf("purge dead job failed: %v", err))
		}
		purged++
	}
	return purged, nil
}

// CreateRecurring persists a recurring definition and indexes its next run.
func (s *RedisStore) CreateRecurring(ctx context.Context, def *RecurringDefinition) error {
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

	encoded, err := encodeRedisRecurring(def)
	if err != nil {
		return err
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	created, err := s.client.SetNX(opCtx, s.recurringKey(def.ID), encoded, 0).Result()
	if err != nil {
		return storeError(ErrRetryable, fmt.Sprintf("store definition failed: %v", err))
	}
	if !created {
		return storeError(ErrConflict, fmt.Sprintf("definition %q already exists", def.ID))
	}

	_, err = s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(opCtx, s.recurringIDsKey(), def.ID)
		pipe.ZAdd(opCtx, s.recurringDueKey(), redis.Z{
			Score:  float64(def.NextRun.UnixMilli()),
			Member: def.ID,
		})
		return nil
	})
	if err != nil {
		return storeError(ErrRetryable, fmt.Sprintf("index definition failed: %v", err))
	}
	return nil
}

// GetRecurring returns a recurring definition by ID.
func (s *RedisStore) GetRecurring(ctx context.Context, defID string) (*RecurringDefinition, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.getRecurring(opCtx, strings.TrimSpace(defID))
}

func (s *RedisStore) getRecurring(ctx context.Context, defID string) (*RecurringDefinition, error) {
	raw, err := s.client.Get(ctx, s.recurringKey(defID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storeError(ErrNotFound, fmt.Sprintf("definition %q not found", defID))
	}
	if err != nil {
		return nil, storeError(ErrRetryable, fmt.Sprintf("load definition failed: %v", err))
	}
	return decodeRedisRecurring(raw)
}

// ListRecurring returns recurring definitions, optionally scoped to a queue.
func (s *RedisStore) ListRecurring(ctx context.Context, queueID string) ([]*RecurringDefinition, error) {
	queueID = strings.TrimSpace(queueID)
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	ids, err := s.client.SMembers(opCtx, s.recurringIDsKey()).Result()
	if err != nil {
		return nil, storeError(ErrRetryable, fmt.Sprintf("load definition index failed: %v", err))
	}
	sort.Strings(ids)

	var defs []*RecurringDefinition
	for _, id := range ids {
		def, err := s.getRecurring(opCtx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if queueID != "" && def.QueueID != queueID {
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// DeleteRecurring removes a recurring definition and its indexes.
func (s *RedisStore) DeleteRecurring(ctx context.Context, defID string) error {
	defID = strings.TrimSpace(defID)
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	removed, err := s.client.Del(opCtx, s.recurringKey(defID)).Result()
	if err != nil {
		return storeError(ErrRetryable, fmt.Sprintf("delete definition failed: %v", err))
	}
	if removed == 0 {
		return storeError(ErrNotFound, fmt.Sprintf("definition %q not found", defID))
	}

	_, err = s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.SRem(opCtx, s.recurringIDsKey(), defID)
		pipe.ZRem(opCtx, s.recurringDueKey(), defID)
		pipe.Del(opCtx, s.occurrencesKey(defID))
		return nil
	})
	if err != nil {
		return storeError(ErrRetryable, fmt.Sprintf("deindex definition failed: %v", err))
	}
	return nil
}

// DueRecurring returns definitions due at or before now.
func (s *RedisStore) DueRecurring(ctx context.Context, now time.Time, limit int) ([]*RecurringDefinition, error) {
	if limit <= 0 {
		limit = 50
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	ids, err := s.client.ZRangeByScore(opCtx, s.recurringDueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UTC().UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, storeError(ErrRetryable, fmt.Sprintf("load due definitions failed: %v", err))
	}

	var defs []*RecurringDefinition
	for _, id := range ids {
		def, err := s.getRecurring(opCtx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// MarkExpanded advances NextRun once per occurrence key. SADD on the
// occurrence set arbitrates between concurrent expanders.
func (s *RedisStore) MarkExpanded(ctx context.Context, defID string, occurrenceKey string, nextRun time.Time) (bool, error) {
	defID = strings.TrimSpace(defID)
	occurrenceKey = strings.TrimSpace(occurrenceKey)
	if occurrenceKey == "" {
		return false, storeError(ErrValidation, "occurrence key is required")
	}

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	def, err := s.getRecurring(opCtx, defID)
	if err != nil {
		return false, err
	}

	added, err := s.client.SAdd(opCtx, s.occurrencesKey(defID), occurrenceKey).Result()
	if err != nil {
		return false, storeError(ErrRetryable, fmt.Sprintf("record occurrence failed: %v", err))
	}
	if added == 0 {
		return false, nil
	}

	def.LastOccurrenceKey = occurrenceKey
	def.NextRun = nextRun.UTC()
	encoded, err := encodeRedisRecurring(def)
	if err != nil {
		return false, err
	}
	_, err = s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, s.recurringKey(defID), encoded, 0)
		pipe.ZAdd(opCtx, s.recurringDueKey(), redis.Z{
			Score:  float64(def.NextRun.UnixMilli()),
			Member: defID,
		})
		return nil
	})
	if err != nil {
		return false, storeError(ErrRetryable, fmt.Sprintf("advance definition failed: %v", err))
	}
	return true, nil
}

// HealthCheck verifies Redis connectivity.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	return s.client.Ping(opCtx).Err()
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeRedisJob(job *Job) (string, error) {
	encoded, err := json.Marshal(redisJob{
		ID:               job.ID,
		QueueID:          job.QueueID,
		Payload:          job.Payload,
		ContentType:      job.ContentType,
		State:            string(job.State),
		AvailableAt:      job.AvailableAt,
		Attempt:          job.Attempt,
		MaxAttempts:      job.MaxAttempts,
		RoundWorkers:     job.RoundWorkers,
		SucceededWorkers: job.SucceededWorkers,
		Cancelled:        job.Cancelled,
		RecurrenceID:     job.RecurrenceID,
		OccurrenceKey:    job.OccurrenceKey,
		LastWorkerID:     job.LastWorkerID,
		LastStatus:       job.LastStatus,
		LastError:        job.LastError,
		LastAttemptAt:    job.LastAttemptAt,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal job failed: %w", err)
	}
	return string(encoded), nil
}

func decodeRedisJob(raw string) (*Job, error) {
	var record redisJob
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("unmarshal job failed: %w", err)
	}
	return &Job{
		ID:               record.ID,
		QueueID:          record.QueueID,
		Payload:          record.Payload,
		ContentType:      record.ContentType,
		State:            State(record.State),
		AvailableAt:      record.AvailableAt,
		Attempt:          record.Attempt,
		MaxAttempts:      record.MaxAttempts,
		RoundWorkers:     record.RoundWorkers,
		SucceededWorkers: record.SucceededWorkers,
		Cancelled:        record.Cancelled,
		RecurrenceID:     record.RecurrenceID,
		OccurrenceKey:    record.OccurrenceKey,
		LastWorkerID:     record.LastWorkerID,
		LastStatus:       record.LastStatus,
		LastError:        record.LastError,
		LastAttemptAt:    record.LastAttemptAt,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        record.UpdatedAt,
	}, nil
}

func encodeRedisRecurring(def *RecurringDefinition) (string, error) {
	encoded, err := json.Marshal(redisRecurring{
		ID:                def.ID,
		QueueID:           def.QueueID,
		Name:              def.Name,
		Rule:              def.Rule,
		Payload:           def.Payload,
		ContentType:       def.ContentType,
		NextRun:           def.NextRun,
		LastOccurrenceKey: def.LastOccurrenceKey,
		CreatedAt:         def.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal definition failed: %w", err)
	}
	return string(encoded), nil
}

func decodeRedisRecurring(raw string) (*RecurringDefinition, error) {
	var record redisRecurring
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("unmarshal definition failed: %w", err)
	}
	return &RecurringDefinition{
		ID:                record.ID,
		QueueID:           record.QueueID,
		Name:              record.Name,
		Rule:              record.Rule,
		Payload:           record.Payload,
		ContentType:       record.ContentType,
		NextRun:           record.NextRun,
		LastOccurrenceKey: record.LastOccurrenceKey,
		CreatedAt:         record.CreatedAt,
	}, nil
}
