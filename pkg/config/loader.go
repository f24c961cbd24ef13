package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "SHOVE")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  strings.TrimSpace(envPrefix),
	}
}

// Load loads configuration with precedence: ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	l.setDefaults(v, defaults)

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))

	// HTTP
	v.BindEnv("http.port", l.prefixedEnv("HTTP_PORT"))
	v.BindEnv("http.read_timeout", l.prefixedEnv("HTTP_READ_TIMEOUT"))
	v.BindEnv("http.write_timeout", l.prefixedEnv("HTTP_WRITE_TIMEOUT"))
	v.BindEnv("http.idle_timeout", l.prefixedEnv("HTTP_IDLE_TIMEOUT"))
	v.BindEnv("http.max_request_size", l.prefixedEnv("HTTP_MAX_REQUEST_SIZE"))

	// Log
	v.BindEnv("log.level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("log.format", l.prefixedEnv("LOG_FORMAT"))

	// Auth
	v.BindEnv("auth.enabled", l.prefixedEnv("AUTH_ENABLED"))
	v.BindEnv("auth.api_keys", l.prefixedEnv("AUTH_API_KEYS"))

	// Store
	v.BindEnv("store.driver", l.prefixedEnv("STORE_DRIVER"))
	v.BindEnv("store.postgres_url", l.prefixedEnv("STORE_POSTGRES_URL"))
	v.BindEnv("store.redis_url", l.prefixedEnv("STORE_REDIS_URL"))
	v.BindEnv("store.redis_prefix", l.prefixedEnv("STORE_REDIS_PREFIX"))
	v.BindEnv("store.operation_timeout", l.prefixedEnv("STORE_OPERATION_TIMEOUT"))

	// Dispatcher
	v.BindEnv("dispatcher.concurrency", l.prefixedEnv("DISPATCHER_CONCURRENCY"))
	v.BindEnv("dispatcher.attempt_timeout", l.prefixedEnv("DISPATCHER_ATTEMPT_TIMEOUT"))
	v.BindEnv("dispatcher.rate_per_worker", l.prefixedEnv("DISPATCHER_RATE_PER_WORKER"))
	v.BindEnv("dispatcher.burst_per_worker", l.prefixedEnv("DISPATCHER_BURST_PER_WORKER"))
	v.BindEnv("dispatcher.breaker_max_failures", l.prefixedEnv("DISPATCHER_BREAKER_MAX_FAILURES"))
	v.BindEnv("dispatcher.breaker_cooldown", l.prefixedEnv("DISPATCHER_BREAKER_COOLDOWN"))
	v.BindEnv("dispatcher.allow_loopback", l.prefixedEnv("DISPATCHER_ALLOW_LOOPBACK"))
	v.BindEnv("dispatcher.stop_timeout", l.prefixedEnv("DISPATCHER_STOP_TIMEOUT"))

	// Retry
	v.BindEnv("retry.max_attempts", l.prefixedEnv("RETRY_MAX_ATTEMPTS"))
	v.BindEnv("retry.initial_backoff", l.prefixedEnv("RETRY_INITIAL_BACKOFF"))
	v.BindEnv("retry.max_backoff", l.prefixedEnv("RETRY_MAX_BACKOFF"))
	v.BindEnv("retry.jitter_fraction", l.prefixedEnv("RETRY_JITTER_FRACTION"))

	// Scheduler
	v.BindEnv("scheduler.poll_interval", l.prefixedEnv("SCHEDULER_POLL_INTERVAL"))
	v.BindEnv("scheduler.claim_batch", l.prefixedEnv("SCHEDULER_CLAIM_BATCH"))
	v.BindEnv("scheduler.expand_interval", l.prefixedEnv("SCHEDULER_EXPAND_INTERVAL"))
	v.BindEnv("scheduler.purge_interval", l.prefixedEnv("SCHEDULER_PURGE_INTERVAL"))
	v.BindEnv("scheduler.purge_retention", l.prefixedEnv("SCHEDULER_PURGE_RETENTION"))
	v.BindEnv("scheduler.lock_ttl", l.prefixedEnv("SCHEDULER_LOCK_TTL"))
	v.BindEnv("scheduler.stop_timeout", l.prefixedEnv("SCHEDULER_STOP_TIMEOUT"))
}

func (l *ViperLoader) prefixedEnv(name string) string {
	if l.envPrefix == "" {
		return name
	}
	return l.envPrefix + "_" + name
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	// Service defaults
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	// HTTP defaults
	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)
	v.SetDefault("http.max_request_size", cfg.HTTP.MaxRequestSize)

	// Log defaults
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	// Auth defaults
	v.SetDefault("auth.enabled", cfg.Auth.Enabled)
	v.SetDefault("auth.api_keys", cfg.Auth.APIKeys)

	// Store defaults
	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.postgres_url", cfg.Store.PostgresURL)
	v.SetDefault("store.redis_url", cfg.Store.RedisURL)
	v.SetDefault("store.redis_prefix", cfg.Store.RedisPrefix)
	v.SetDefault("store.operation_timeout", cfg.Store.OperationTimeout)

	// Dispatcher defaults
	v.SetDefault("dispatcher.concurrency", cfg.Dispatcher.Concurrency)
	v.SetDefault("dispatcher.attempt_timeout", cfg.Dispatcher.AttemptTimeout)
	v.SetDefault("dispatcher.rate_per_worker", cfg.Dispatcher.RatePerWorker)
	v.SetDefault("dispatcher.burst_per_worker", cfg.Dispatcher.BurstPerWorker)
	v.SetDefault("dispatcher.breaker_max_failures", cfg.Dispatcher.BreakerMaxFailures)
	v.SetDefault("dispatcher.breaker_cooldown", cfg.Dispatcher.BreakerCooldown)
	v.SetDefault("dispatcher.allow_loopback", cfg.Dispatcher.AllowLoopback)
	v.SetDefault("dispatcher.stop_timeout", cfg.Dispatcher.StopTimeout)

	// Retry defaults
	v.SetDefault("retry.max_attempts", cfg.Retry.MaxAttempts)
	v.SetDefault("retry.initial_backoff", cfg.Retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", cfg.Retry.MaxBackoff)
	v.SetDefault("retry.jitter_fraction", cfg.Retry.JitterFraction)

	// Scheduler defaults
	v.SetDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval)
	v.SetDefault("scheduler.claim_batch", cfg.Scheduler.ClaimBatch)
	v.SetDefault("scheduler.expand_interval", cfg.Scheduler.ExpandInterval)
	v.SetDefault("scheduler.purge_interval", cfg.Scheduler.PurgeInterval)
	v.SetDefault("scheduler.purge_retention", cfg.Scheduler.PurgeRetention)
	v.SetDefault("scheduler.lock_ttl", cfg.Scheduler.LockTTL)
	v.SetDefault("scheduler.stop_timeout", cfg.Scheduler.StopTimeout)
}
