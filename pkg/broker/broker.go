// Package broker assembles the full delivery broker from configuration:
// job store, queue registry, dispatcher, scheduler runtime, and the HTTP API.
package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shovehq/shove/pkg/api"
	"github.com/shovehq/shove/pkg/backoff"
	"github.com/shovehq/shove/pkg/config"
	"github.com/shovehq/shove/pkg/dispatcher"
	"github.com/shovehq/shove/pkg/health"
	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/observability/logger"
	"github.com/shovehq/shove/pkg/queue"
	"github.com/shovehq/shove/pkg/recurrence"
	"github.com/shovehq/shove/pkg/scheduler"

	_ "github.com/lib/pq"
)

const bootstrapTimeout = 30 * time.Second

// Broker owns the wired components and their lifecycle.
type Broker struct {
	cfg *config.Config
	log logger.Logger

	db       *sql.DB
	store    jobstore.FullStore
	registry queue.Registry
	locks    scheduler.LockProvider
	disp     *dispatcher.Dispatcher
	runtime  *scheduler.Runtime
	server   *api.Server
	health   *health.Registry
}

// New builds a broker from validated configuration. Storage schemas are
// ensured during construction so Run starts against a ready backend.
func New(cfg *config.Config, log logger.Logger) (*Broker, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}

	b := &Broker{cfg: cfg, log: log, health: health.NewRegistry()}

	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	if err := b.buildStorage(ctx); err != nil {
		b.closeStorage()
		return nil, err
	}

	disp, err := dispatcher.New(b.store, b.registry, log, dispatcher.Config{
		Concurrency: cfg.Dispatcher.Concurrency,
		StopTimeout: cfg.Dispatcher.StopTimeout,
		Retry: backoff.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			JitterFraction: cfg.Retry.JitterFraction,
		},
		Deliverer: dispatcher.DelivererConfig{
			AttemptTimeout:     cfg.Dispatcher.AttemptTimeout,
			RatePerWorker:      cfg.Dispatcher.RatePerWorker,
			BurstPerWorker:     cfg.Dispatcher.BurstPerWorker,
			BreakerMaxFailures: cfg.Dispatcher.BreakerMaxFailures,
			BreakerCooldown:    cfg.Dispatcher.BreakerCooldown,
		},
	})
	if err != nil {
		b.closeStorage()
		return nil, fmt.Errorf("build dispatcher failed: %w", err)
	}
	b.disp = disp

	expander, err := recurrence.NewExpander(b.store, log)
	if err != nil {
		b.closeStorage()
		return nil, fmt.Errorf("build expander failed: %w", err)
	}

	runtime, err := scheduler.NewRuntime(b.store, disp, expander, b.locks, log, scheduler.RuntimeConfig{
		PollInterval:   cfg.Scheduler.PollInterval,
		ClaimBatch:     cfg.Scheduler.ClaimBatch,
		ExpandInterval: cfg.Scheduler.ExpandInterval,
		PurgeInterval:  cfg.Scheduler.PurgeInterval,
		PurgeRetention: cfg.Scheduler.PurgeRetention,
		LockTTL:        cfg.Scheduler.LockTTL,
		StopTimeout:    cfg.Scheduler.StopTimeout,
	})
	if err != nil {
		b.closeStorage()
		return nil, fmt.Errorf("build scheduler failed: %w", err)
	}
	b.runtime = runtime

	b.health.Register(health.NewStoreChecker("jobstore", b.store))
	b.health.Register(health.NewQueueRegistryChecker("registry", b.registry))
	b.health.Register(health.NewLockProviderChecker("locks", b.locks))

	deps := api.Deps{
		Store:          b.store,
		Registry:       b.registry,
		Health:         b.health,
		Waker:          runtime,
		Logger:         log,
		MaxRequestSize: cfg.HTTP.MaxRequestSize,
	}
	if cfg.Auth.Enabled {
		deps.APIKeys = cfg.Auth.APIKeys
	}
	router := api.NewRouter(deps)

	b.server = api.NewServer(api.ServerConfig{
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}, router, log)

	return b, nil
}

// Run starts the dispatcher, scheduler loops, and HTTP server, then blocks
// until ctx is cancelled or the server fails. Components stop in reverse
// start order so in-flight deliveries drain before storage closes.
func (b *Broker) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	if err := b.disp.Start(ctx); err != nil {
		return err
	}
	if err := b.runtime.Start(ctx); err != nil {
		b.stopDispatcher()
		return err
	}

	b.log.Info("broker started",
		"service", b.cfg.Service.Name,
		"environment", b.cfg.Service.Environment,
		"store_driver", b.cfg.Store.Driver,
		"http_port", b.cfg.HTTP.Port,
	)

	serveErr := b.server.Start(ctx)

	b.stopRuntime()
	b.stopDispatcher()
	b.closeStorage()

	if serveErr != nil {
		return fmt.Errorf("http server failed: %w", serveErr)
	}
	return nil
}

func (b *Broker) stopRuntime() {
	stopCtx, cancel := context.WithTimeout(context.Background(), b.cfg.Scheduler.StopTimeout)
	defer cancel()
	if err := b.runtime.Stop(stopCtx); err != nil {
		b.log.Warn("scheduler stop failed", "error", err)
	}
}

func (b *Broker) stopDispatcher() {
	stopCtx, cancel := context.WithTimeout(context.Background(), b.cfg.Dispatcher.StopTimeout)
	defer cancel()
	if err := b.disp.Stop(stopCtx); err != nil {
		b.log.Warn("dispatcher stop failed", "error", err)
	}
}

func (b *Broker) buildStorage(ctx context.Context) error {
	switch b.cfg.Store.Driver {
	case config.StoreDriverMemory:
		b.store = jobstore.NewMemoryStore()
		b.registry = queue.NewCachedRegistry(b.newMemoryRegistry())
		b.locks = scheduler.NewMemoryLockProvider()
		return nil

	case config.StoreDriverPostgres:
		db, err := sql.Open("postgres", b.cfg.Store.PostgresURL)
		if err != nil {
			return fmt.Errorf("open postgres failed: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("ping postgres failed: %w", err)
		}
		b.db = db

		store, err := jobstore.NewPostgresStore(db, b.log)
		if err != nil {
			return err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		b.store = store

		opts := []queue.PostgresRegistryOption{queue.WithPostgresPendingCounter(store)}
		if b.cfg.Dispatcher.AllowLoopback {
			opts = append(opts, queue.WithPostgresLoopbackWorkers())
		}
		registry, err := queue.NewPostgresRegistry(db, b.log, opts...)
		if err != nil {
			return err
		}
		if err := registry.EnsureSchema(ctx); err != nil {
			return err
		}
		b.registry = queue.NewCachedRegistry(registry)

		locks, err := scheduler.NewPostgresLockProvider(db, b.log)
		if err != nil {
			return err
		}
		if err := locks.EnsureSchema(ctx); err != nil {
			return err
		}
		b.locks = locks
		return nil

	case config.StoreDriverRedis:
		store, err := jobstore.NewRedisStore(jobstore.RedisStoreConfig{
			URL:              b.cfg.Store.RedisURL,
			Prefix:           b.cfg.Store.RedisPrefix + ":jobs",
			OperationTimeout: b.cfg.Store.OperationTimeout,
		}, b.log)
		if err != nil {
			return err
		}
		b.store = store

		opts := []queue.RedisRegistryOption{queue.WithRedisPendingCounter(store)}
		if b.cfg.Dispatcher.AllowLoopback {
			opts = append(opts, queue.WithRedisLoopbackWorkers())
		}
		registry, err := queue.NewRedisRegistry(queue.RedisRegistryConfig{
			URL:              b.cfg.Store.RedisURL,
			Prefix:           b.cfg.Store.RedisPrefix + ":registry",
			OperationTimeout: b.cfg.Store.OperationTimeout,
		}, b.log, opts...)
		if err != nil {
			return err
		}
		b.registry = queue.NewCachedRegistry(registry)

		locks, err := scheduler.NewRedisLockProvider(scheduler.RedisLockProviderConfig{
			URL:              b.cfg.Store.RedisURL,
			Prefix:           b.cfg.Store.RedisPrefix + ":locks",
			OperationTimeout: b.cfg.Store.OperationTimeout,
		}, b.log)
		if err != nil {
			return err
		}
		b.locks = locks
		return nil

	default:
		return fmt.Errorf("unknown store driver %q", b.cfg.Store.Driver)
	}
}

func (b *Broker) newMemoryRegistry() *queue.MemoryRegistry {
	opts := []queue.MemoryRegistryOption{queue.WithPendingCounter(b.store)}
	if b.cfg.Dispatcher.AllowLoopback {
		opts = append(opts, queue.WithLoopbackWorkers())
	}
	return queue.NewMemoryRegistry(opts...)
}

func (b *Broker) closeStorage() {
	if b.locks != nil {
		if err := b.locks.Close(); err != nil {
			b.log.Warn("close lock provider failed", "error", err)
		}
	}
	if b.registry != nil {
		if err := b.registry.Close(); err != nil {
			b.log.Warn("close registry failed", "error", err)
		}
	}
	if b.store != nil {
		if err := b.store.Close(); err != nil {
			b.log.Warn("close store failed", "error", err)
		}
	}
	if b.db != nil {
		if err := b.db.Close(); err != nil {
			b.log.Warn("close database failed", "error", err)
		}
	}
}
