package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status is the reported health of a single component or the broker overall.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is the outcome of one health probe.
type Result struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Checker probes one component.
type Checker interface {
	Check(ctx context.Context) Result
	Name() string
}

// Summary aggregates the results of all registered probes. The overall
// status is the worst status among them.
type Summary struct {
	Status    Status        `json:"status"`
	Checks    []Result      `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// IsHealthy reports whether every probe passed.
func (s Summary) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// Registry holds the broker's health probes. Probes run concurrently on
// Check; registration is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a probe, replacing any existing probe with the same name.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// RegisterFunc registers a probe backed by a plain function.
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context) Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = &funcChecker{name: name, fn: fn}
}

// Unregister removes a probe by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// List returns the names of all registered probes.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	return names
}

// Check runs every registered probe concurrently and aggregates the
// results. Any unhealthy probe makes the summary unhealthy.
func (r *Registry) Check(ctx context.Context) Summary {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	start := time.Now()
	resultCh := make(chan Result, len(checkers))

	var wg sync.WaitGroup
	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			resultCh <- c.Check(ctx)
		}(c)
	}
	wg.Wait()
	close(resultCh)

	overall := StatusHealthy
	results := make([]Result, 0, len(checkers))
	for res := range resultCh {
		results = append(results, res)
		switch {
		case res.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case res.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return Summary{
		Status:    overall,
		Checks:    results,
		Timestamp: time.Now().UTC(),
		Duration:  time.Since(start),
	}
}

// CheckOne runs a single probe by name.
func (r *Registry) CheckOne(ctx context.Context, name string) (Result, error) {
	r.mu.RLock()
	checker, ok := r.checkers[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("health check not found: %s", name)
	}
	return checker.Check(ctx), nil
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) Result
}

func (c *funcChecker) Check(ctx context.Context) Result { return c.fn(ctx) }
func (c *funcChecker) Name() string                     { return c.name }
