package config

import "time"

// Store driver constants
const (
	// StoreDriverMemory keeps all broker state in process memory
	StoreDriverMemory = "memory"
	// StoreDriverPostgres persists broker state in PostgreSQL
	StoreDriverPostgres = "postgres"
	// StoreDriverRedis persists broker state in Redis
	StoreDriverRedis = "redis"
)

// Config is the root configuration structure for the broker.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Store      StoreConfig      `mapstructure:"store"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig configures the public API server.
type HTTPConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	MaxRequestSize int64         `mapstructure:"max_request_size"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig configures API key authentication for the management API.
// Callback signing is configured per queue, not here.
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// StoreConfig selects and configures the persistence backend shared by
// the job store and the queue registry.
type StoreConfig struct {
	Driver           string        `mapstructure:"driver"`
	PostgresURL      string        `mapstructure:"postgres_url"`
	RedisURL         string        `mapstructure:"redis_url"`
	RedisPrefix      string        `mapstructure:"redis_prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// DispatcherConfig configures callback delivery.
type DispatcherConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	AttemptTimeout     time.Duration `mapstructure:"attempt_timeout"`
	RatePerWorker      float64       `mapstructure:"rate_per_worker"`
	BurstPerWorker     int           `mapstructure:"burst_per_worker"`
	BreakerMaxFailures int           `mapstructure:"breaker_max_failures"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
	AllowLoopback      bool          `mapstructure:"allow_loopback"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
}

// RetryConfig configures the broker-wide retry policy. Queues and jobs
// may override MaxAttempts.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	JitterFraction float64       `mapstructure:"jitter_fraction"`
}

// SchedulerConfig configures the claim, recurrence, and purge loops.
type SchedulerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ClaimBatch     int           `mapstructure:"claim_batch"`
	ExpandInterval time.Duration `mapstructure:"expand_interval"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval"`
	PurgeRetention time.Duration `mapstructure:"purge_retention"`
	LockTTL        time.Duration `mapstructure:"lock_ttl"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// DefaultConfig returns the configuration used when no file or
// environment overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "shove",
			Environment: "development",
		},
		HTTP: HTTPConfig{
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxRequestSize: 1 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Store: StoreConfig{
			Driver:           StoreDriverMemory,
			RedisPrefix:      "shove",
			OperationTimeout: 3 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Concurrency:        4,
			AttemptTimeout:     30 * time.Second,
			RatePerWorker:      50,
			BurstPerWorker:     10,
			BreakerMaxFailures: 5,
			BreakerCooldown:    30 * time.Second,
			AllowLoopback:      false,
			StopTimeout:        10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     60 * time.Second,
			JitterFraction: 0.2,
		},
		Scheduler: SchedulerConfig{
			PollInterval:   200 * time.Millisecond,
			ClaimBatch:     25,
			ExpandInterval: time.Second,
			PurgeInterval:  time.Hour,
			PurgeRetention: 7 * 24 * time.Hour,
			LockTTL:        30 * time.Second,
			StopTimeout:    10 * time.Second,
		},
	}
}
