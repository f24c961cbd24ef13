package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HTTP.Port != 8080 {
		t.Errorf("http.port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Store.Driver != StoreDriverMemory {
		t.Errorf("store.driver = %q, want %q", cfg.Store.Driver, StoreDriverMemory)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log.format = %q, want json", cfg.Log.Format)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("retry.max_attempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	loader := NewViperLoader("", "SHOVE_TEST_NONE")

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Scheduler.PollInterval != 200*time.Millisecond {
		t.Errorf("scheduler.poll_interval = %v, want 200ms", cfg.Scheduler.PollInterval)
	}
	if cfg.Dispatcher.Concurrency != 4 {
		t.Errorf("dispatcher.concurrency = %d, want 4", cfg.Dispatcher.Concurrency)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shove.yaml")
	content := []byte(`
http:
  port: 9090
store:
  driver: redis
  redis_url: redis://localhost:6379/2
dispatcher:
  concurrency: 16
retry:
  max_attempts: 3
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewViperLoader(path, "SHOVE_TEST_FILE").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Errorf("http.port = %d, want 9090", cfg.HTTP.Port)
	}
	if cfg.Store.Driver != StoreDriverRedis {
		t.Errorf("store.driver = %q, want redis", cfg.Store.Driver)
	}
	if cfg.Store.RedisURL != "redis://localhost:6379/2" {
		t.Errorf("store.redis_url = %q", cfg.Store.RedisURL)
	}
	if cfg.Dispatcher.Concurrency != 16 {
		t.Errorf("dispatcher.concurrency = %d, want 16", cfg.Dispatcher.Concurrency)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("retry.max_attempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	// untouched keys keep defaults
	if cfg.Scheduler.ClaimBatch != 25 {
		t.Errorf("scheduler.claim_batch = %d, want 25", cfg.Scheduler.ClaimBatch)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shove.yaml")
	if err := os.WriteFile(path, []byte("http:\n  port: 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SHOVE_TEST_ENV_HTTP_PORT", "7070")
	t.Setenv("SHOVE_TEST_ENV_LOG_LEVEL", "debug")

	cfg, err := NewViperLoader(path, "SHOVE_TEST_ENV").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Port != 7070 {
		t.Errorf("http.port = %d, want env override 7070", cfg.HTTP.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := NewViperLoader("/nonexistent/shove.yaml", "SHOVE_TEST_MISS").Load(); err == nil {
		t.Fatal("Load() with missing explicit file succeeded")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "etcd" }},
		{"postgres without url", func(c *Config) { c.Store.Driver = StoreDriverPostgres }},
		{"redis without url", func(c *Config) { c.Store.Driver = StoreDriverRedis }},
		{"auth without keys", func(c *Config) { c.Auth.Enabled = true }},
		{"negative concurrency", func(c *Config) { c.Dispatcher.Concurrency = -1 }},
		{"jitter above one", func(c *Config) { c.Retry.JitterFraction = 1.5 }},
		{"initial above max backoff", func(c *Config) {
			c.Retry.InitialBackoff = time.Minute
			c.Retry.MaxBackoff = time.Second
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate() accepted invalid config")
			}
		})
	}
}
