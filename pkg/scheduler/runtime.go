package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shovehq/shove/pkg/dispatcher"
	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/observability/logger"
	"github.com/shovehq/shove/pkg/recurrence"
)

const (
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultClaimBatch     = 25
	DefaultExpandInterval = time.Second
	DefaultPurgeInterval  = time.Hour
	DefaultPurgeRetention = 7 * 24 * time.Hour
	DefaultLockTTL        = 30 * time.Second
	DefaultStopTimeout    = 10 * time.Second

	expanderLockKey = "recurrence-expander"
	purgeLockKey    = "dead-purge"
)

// RuntimeConfig configures the broker control loops.
type RuntimeConfig struct {
	PollInterval   time.Duration
	ClaimBatch     int
	ExpandInterval time.Duration
	PurgeInterval  time.Duration
	PurgeRetention time.Duration
	LockTTL        time.Duration
	StopTimeout    time.Duration
}

func (c *RuntimeConfig) normalize() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = DefaultClaimBatch
	}
	if c.ExpandInterval <= 0 {
		c.ExpandInterval = DefaultExpandInterval
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = DefaultPurgeInterval
	}
	if c.PurgeRetention <= 0 {
		c.PurgeRetention = DefaultPurgeRetention
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
}

// Runtime drives the broker: it claims due jobs and hands them to the
// dispatcher, ticks the recurrence expander, and purges old dead jobs. The
// expander and purge loops run under distributed locks so only one broker
// node performs them at a time.
type Runtime struct {
	store      jobstore.FullStore
	dispatcher *dispatcher.Dispatcher
	expander   *recurrence.Expander
	locks      LockProvider
	log        logger.Logger
	config     RuntimeConfig

	wake chan struct{}

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewRuntime assembles the broker control loops.
func NewRuntime(store jobstore.FullStore, disp *dispatcher.Dispatcher, expander *recurrence.Expander, locks LockProvider, log logger.Logger, cfg RuntimeConfig) (*Runtime, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if disp == nil {
		return nil, errors.New("dispatcher is required")
	}
	if expander == nil {
		return nil, errors.New("expander is required")
	}
	if locks == nil {
		return nil, errors.New("lock provider is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	return &Runtime{
		store:      store,
		dispatcher: disp,
		expander:   expander,
		locks:      locks,
		log:        log,
		config:     cfg,
		wake:       make(chan struct{}, 1),
	}, nil
}

// Start launches the control loops.
func (r *Runtime) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.running {
		return errors.New("runtime already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(3)
	go r.claimLoop(runCtx)
	go r.expandLoop(runCtx)
	go r.purgeLoop(runCtx)

	r.log.Info("scheduler runtime started",
		"poll_interval", r.config.PollInterval.String(),
		"claim_batch", r.config.ClaimBatch,
	)
	return nil
}

// Stop requests shutdown and waits for the loops to exit.
func (r *Runtime) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.lifecycleMu.Lock()
	if !r.running {
		r.lifecycleMu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	stopCtx, stopCancel := context.WithTimeout(ctx, r.config.StopTimeout)
	defer stopCancel()
	select {
	case <-stopCtx.Done():
		return stopCtx.Err()
	case <-waitCh:
		return nil
	}
}

// Wake nudges the claim loop, typically right after an enqueue, so freshly
// due jobs do not wait for the next poll tick.
func (r *Runtime) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runtime) claimLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
		r.claimOnce(ctx)
	}
}

func (r *Runtime) claimOnce(ctx context.Context) {
	for {
		claimed, err := r.store.ClaimDue(ctx, r.config.ClaimBatch, time.Now().UTC())
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn("claim due jobs failed", "error", err)
			}
			return
		}
		if len(claimed) == 0 {
			return
		}
		for _, job := range claimed {
			if err := r.dispatcher.Submit(ctx, job); err != nil {
				// shutdown with claimed jobs still in hand: they stay
				// in-flight and are recovered by the next claim after
				// outcome recording, or surfaced operationally
				if ctx.Err() == nil {
					r.log.Warn("submit claimed job failed", "job_id", job.ID, "error", err)
				}
				return
			}
		}
		if len(claimed) < r.config.ClaimBatch {
			return
		}
	}
}

func (r *Runtime) expandLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.ExpandInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.withLock(ctx, expanderLockKey, func(lockCtx context.Context) {
			spawned, err := r.expander.Tick(lockCtx, time.Now().UTC())
			if err != nil {
				r.log.Warn("recurrence tick failed", "error", err)
				return
			}
			if spawned > 0 {
				r.Wake()
			}
		})
	}
}

func (r *Runtime) purgeLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		r.withLock(ctx, purgeLockKey, func(lockCtx context.Context) {
			cutoff := time.Now().UTC().Add(-r.config.PurgeRetention)
			purged, err := r.store.PurgeDead(lockCtx, cutoff)
			if err != nil {
				r.log.Warn("purge dead jobs failed", "error", err)
				return
			}
			if purged > 0 {
				r.log.Info("purged dead jobs", "count", purged, "cutoff", cutoff.String())
			}
		})
	}
}

// withLock runs fn only while holding the named distributed lock. Losing the
// acquisition race is normal: another broker node ran the task.
func (r *Runtime) withLock(ctx context.Context, key string, fn func(context.Context)) {
	lease, acquired, err := r.locks.Acquire(ctx, key, r.config.LockTTL)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("lock acquire failed", "key", key, "error", err)
		}
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := r.locks.Release(ctx, lease); err != nil && ctx.Err() == nil {
			r.log.Warn("lock release failed", "key", key, "error", err)
		}
	}()
	fn(ctx)
}
