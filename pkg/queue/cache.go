package queue

import (
	"context"
	"strings"
	"sync"
)

// CachedRegistry wraps a Registry with a read-through cache over queue and
// worker lookups. Entries are invalidated on write before the mutation is
// acknowledged, never by age alone: the dispatcher must not see a removed
// worker through a stale view.
type CachedRegistry struct {
	inner Registry

	mu      sync.RWMutex
	queues  map[string]*Queue
	byName  map[string]*Queue
	workers map[string][]*Worker
}

// NewCachedRegistry wraps inner with caching.
func NewCachedRegistry(inner Registry) *CachedRegistry {
	return &CachedRegistry{
		inner:   inner,
		queues:  map[string]*Queue{},
		byName:  map[string]*Queue{},
		workers: map[string][]*Worker{},
	}
}

// CreateQueue delegates to the inner registry.
func (c *CachedRegistry) CreateQueue(ctx context.Context, name string, queueType Type, opts CreateQueueOptions) (*Queue, error) {
	q, err := c.inner.CreateQueue(ctx, name, queueType, opts)
	if err != nil {
		return nil, err
	}
	c.invalidateQueue(q.ID, q.Name)
	return q, nil
}

// GetQueue serves from cache, falling back to the inner registry.
func (c *CachedRegistry) GetQueue(ctx context.Context, queueID string) (*Queue, error) {
	queueID = strings.TrimSpace(queueID)
	c.mu.RLock()
	cached, ok := c.queues[queueID]
	c.mu.RUnlock()
	if ok {
		return cloneQueue(cached), nil
	}

	q, err := c.inner.GetQueue(ctx, queueID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.queues[queueID] = cloneQueue(q)
	c.byName[q.Name] = cloneQueue(q)
	c.mu.Unlock()
	recordRegistryCacheMiss("queue")
	return q, nil
}

// GetQueueByName serves from cache, falling back to the inner registry.
func (c *CachedRegistry) GetQueueByName(ctx context.Context, name string) (*Queue, error) {
	name = strings.TrimSpace(name)
	c.mu.RLock()
	cached, ok := c.byName[name]
	c.mu.RUnlock()
	if ok {
		return cloneQueue(cached), nil
	}

	q, err := c.inner.GetQueueByName(ctx, name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.queues[q.ID] = cloneQueue(q)
	c.byName[name] = cloneQueue(q)
	c.mu.Unlock()
	recordRegistryCacheMiss("queue")
	return q, nil
}

// ListQueues always reads through to the inner registry.
func (c *CachedRegistry) ListQueues(ctx context.Context) ([]*Queue, error) {
	return c.inner.ListQueues(ctx)
}

// RemoveQueue delegates and invalidates before acknowledging.
func (c *CachedRegistry) RemoveQueue(ctx context.Context, queueID string, force bool) error {
	q, _ := c.inner.GetQueue(ctx, queueID)
	if err := c.inner.RemoveQueue(ctx, queueID, force); err != nil {
		return err
	}
	name := ""
	if q != nil {
		name = q.Name
	}
	c.invalidateQueue(queueID, name)
	return nil
}

// AddWorker delegates and invalidates the queue's worker set before
// acknowledging.
func (c *CachedRegistry) AddWorker(ctx context.Context, queueID string, workerURL string, opts AddWorkerOptions) (*Worker, error) {
	w, err := c.inner.AddWorker(ctx, queueID, workerURL, opts)
	if err != nil {
		return nil, err
	}
	c.invalidateWorkers(queueID)
	return w, nil
}

// GetWorker always reads through to the inner registry.
func (c *CachedRegistry) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	return c.inner.GetWorker(ctx, workerID)
}

// ListWorkers serves the full worker set from cache and filters locally.
func (c *CachedRegistry) ListWorkers(ctx context.Context, queueID string, activeOnly bool) ([]*Worker, error) {
	queueID = strings.TrimSpace(queueID)
	c.mu.RLock()
	cached, ok := c.workers[queueID]
	c.mu.RUnlock()

	if !ok {
		all, err := c.inner.ListWorkers(ctx, queueID, false)
		if err != nil {
			return nil, err
		}
		cloned := cloneWorkers(all)
		c.mu.Lock()
		c.workers[queueID] = cloned
		c.mu.Unlock()
		recordRegistryCacheMiss("workers")
		cached = cloned
	}

	workers := make([]*Worker, 0, len(cached))
	for _, w := range cached {
		if activeOnly && !w.Active {
			continue
		}
		workers = append(workers, cloneWorker(w))
	}
	return workers, nil
}

// DisableWorker delegates and invalidates before acknowledging.
func (c *CachedRegistry) DisableWorker(ctx context.Context, workerID string) error {
	w, err := c.inner.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if err := c.inner.DisableWorker(ctx, workerID); err != nil {
		return err
	}
	c.invalidateWorkers(w.QueueID)
	return nil
}

// RemoveWorker delegates and invalidates before acknowledging.
func (c *CachedRegistry) RemoveWorker(ctx context.Context, workerID string) error {
	w, err := c.inner.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if err := c.inner.RemoveWorker(ctx, workerID); err != nil {
		return err
	}
	c.invalidateWorkers(w.QueueID)
	return nil
}

// HealthCheck delegates to the inner registry.
func (c *CachedRegistry) HealthCheck(ctx context.Context) error {
	return c.inner.HealthCheck(ctx)
}

// Close delegates to the inner registry.
func (c *CachedRegistry) Close() error {
	return c.inner.Close()
}

func (c *CachedRegistry) invalidateQueue(queueID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queues, strings.TrimSpace(queueID))
	if strings.TrimSpace(name) != "" {
		delete(c.byName, strings.TrimSpace(name))
	}
	delete(c.workers, strings.TrimSpace(queueID))
}

func (c *CachedRegistry) invalidateWorkers(queueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.workers, strings.TrimSpace(queueID))
}

func cloneWorkers(workers []*Worker) []*Worker {
	out := make([]*Worker, 0, len(workers))
	for _, w := range workers {
		out = append(out, cloneWorker(w))
	}
	return out
}
