package config

import "fmt"

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverPostgres:
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required when store.driver is postgres")
		}
	case StoreDriverRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required when store.driver is redis")
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, postgres, redis, got %q", c.Store.Driver)
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys is required when auth is enabled")
	}

	if c.Dispatcher.Concurrency < 0 {
		return fmt.Errorf("dispatcher.concurrency must not be negative, got %d", c.Dispatcher.Concurrency)
	}
	if c.Dispatcher.RatePerWorker < 0 {
		return fmt.Errorf("dispatcher.rate_per_worker must not be negative, got %v", c.Dispatcher.RatePerWorker)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		return fmt.Errorf("retry.jitter_fraction must be within [0, 1], got %v", c.Retry.JitterFraction)
	}
	if c.Retry.MaxBackoff > 0 && c.Retry.InitialBackoff > c.Retry.MaxBackoff {
		return fmt.Errorf("retry.initial_backoff must not exceed retry.max_backoff")
	}

	if c.Scheduler.ClaimBatch < 0 {
		return fmt.Errorf("scheduler.claim_batch must not be negative, got %d", c.Scheduler.ClaimBatch)
	}
	if c.Scheduler.PurgeRetention < 0 {
		return fmt.Errorf("scheduler.purge_retention must not be negative, got %v", c.Scheduler.PurgeRetention)
	}

	return nil
}
