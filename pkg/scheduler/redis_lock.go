package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shovehq/shove/pkg/observability/logger"
)

const (
	defaultLockPrefix           = "shove:lock"
	defaultLockOperationTimeout = 3 * time.Second
)

var (
	lockReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	lockRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// RedisLockProviderConfig configures Redis-backed distributed locks.
type RedisLockProviderConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
}

func (c *RedisLockProviderConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultLockPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultLockOperationTimeout
	}
}

// RedisLockProvider implements LockProvider with SET NX PX semantics. The
// lease token fences renew and release against a holder that took over after
// expiry.
type RedisLockProvider struct {
	client *redis.Client
	log    logger.Logger
	config RedisLockProviderConfig
}

// NewRedisLockProvider connects to Redis and verifies the connection.
func NewRedisLockProvider(cfg RedisLockProviderConfig, log logger.Logger) (*RedisLockProvider, error) {
	if log == nil {
		return nil, schedulerError(ErrValidation, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrValidation, "redis url is required")
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

	return &RedisLockProvider{client: client, log: log, config: cfg}, nil
}

// NewRedisLockProviderWithClient wraps an existing client. Intended for tests.
func NewRedisLockProviderWithClient(client *redis.Client, cfg RedisLockProviderConfig, log logger.Logger) *RedisLockProvider {
	cfg.normalize()
	return &RedisLockProvider{client: client, log: log, config: cfg}
}

// Acquire takes the lock when free.
func (p *RedisLockProvider) Acquire(ctx context.Context, key string, ttl time.Duration) (*LockLease, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, schedulerError(ErrValidation, "lock key is required")
	}
	if ttl <= 0 {
		return nil, false, schedulerError(ErrValidation, "ttl must be > 0")
	}

	token := newLockToken()
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	acquired, err := p.client.SetNX(opCtx, p.lockKey(key), token, ttl).Result()
	if err != nil {
		return nil, false, schedulerError(ErrRetryable, fmt.Sprintf("acquire lock failed: %v", err))
	}
	if !acquired {
		return nil, false, nil
	}
	return &LockLease{
		Key:       key,
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}, true, nil
}

// Renew extends a held lease when its token still matches.
func (p *RedisLockProvider) Renew(ctx context.Context, lease *LockLease, ttl time.Duration) error {
	if err := validateLease(lease); err != nil {
		return err
	}
	if ttl <= 0 {
		return schedulerError(ErrValidation, "ttl must be > 0")
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := lockRenewScript.Run(opCtx, p.client, []string{p.lockKey(lease.Key)}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return schedulerError(ErrRetryable, fmt.Sprintf("renew lock failed: %v", err))
	}
	if result == 0 {
		return schedulerError(ErrConflict, "lock renew rejected")
	}
	lease.ExpiresAt = time.Now().UTC().Add(ttl)
	return nil
}

// Release drops a held lease when its token still matches.
func (p *RedisLockProvider) Release(ctx context.Context, lease *LockLease) error {
	if err := validateLease(lease); err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	result, err := lockReleaseScript.Run(opCtx, p.client, []string{p.lockKey(lease.Key)}, lease.Token).Int64()
	if err != nil {
		return schedulerError(ErrRetryable, fmt.Sprintf("release lock failed: %v", err))
	}
	if result == 0 {
		return schedulerError(ErrConflict, "lock release rejected")
	}
	return nil
}

// HealthCheck verifies Redis connectivity.
func (p *RedisLockProvider) HealthCheck(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()
	return p.client.Ping(opCtx).Err()
}

// Close releases the Redis client.
func (p *RedisLockProvider) Close() error {
	return p.client.Close()
}

func (p *RedisLockProvider) lockKey(key string) string {
	return strings.TrimRight(p.config.Prefix, ":") + ":" + key
}

func validateLease(lease *LockLease) error {
	if lease == nil {
		return schedulerError(ErrValidation, "lease is required")
	}
	if strings.TrimSpace(lease.Key) == "" || strings.TrimSpace(lease.Token) == "" {
		return schedulerError(ErrValidation, "lease key and token are required")
	}
	return nil
}
