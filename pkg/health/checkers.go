package health

import (
	"context"
	"time"
)

// Checkable is implemented by broker components that can report their own
// health: job stores, queue registries, and lock providers.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// ProbeChecker probes a Checkable component under a per-check timeout.
type ProbeChecker struct {
	name    string
	target  Checkable
	timeout time.Duration
}

// NewProbeChecker builds a checker for a Checkable component. A zero
// timeout defaults to 5 seconds.
func NewProbeChecker(name string, target Checkable, timeout time.Duration) *ProbeChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProbeChecker{name: name, target: target, timeout: timeout}
}

// NewStoreChecker probes the job store backend.
func NewStoreChecker(name string, store Checkable) *ProbeChecker {
	return NewProbeChecker(name, store, 5*time.Second)
}

// NewQueueRegistryChecker probes the queue and worker registry.
func NewQueueRegistryChecker(name string, registry Checkable) *ProbeChecker {
	return NewProbeChecker(name, registry, 3*time.Second)
}

// NewLockProviderChecker probes the distributed lock provider backing the
// scheduler's singleton loops.
func NewLockProviderChecker(name string, locks Checkable) *ProbeChecker {
	return NewProbeChecker(name, locks, 3*time.Second)
}

func (c *ProbeChecker) Check(ctx context.Context) Result {
	start := time.Now()

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.target.HealthCheck(checkCtx)
	duration := time.Since(start)

	if err != nil {
		return Result{
			Name:      c.name,
			Status:    StatusUnhealthy,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
			Duration:  duration,
		}
	}
	return Result{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now().UTC(),
		Duration:  duration,
	}
}

func (c *ProbeChecker) Name() string { return c.name }

// LivenessChecker always reports healthy. It backs the liveness endpoint,
// which only proves the process is serving requests.
type LivenessChecker struct {
	name string
}

func NewLivenessChecker(name string) *LivenessChecker {
	return &LivenessChecker{name: name}
}

func (c *LivenessChecker) Check(ctx context.Context) Result {
	return Result{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "alive",
		Timestamp: time.Now().UTC(),
	}
}

func (c *LivenessChecker) Name() string { return c.name }
