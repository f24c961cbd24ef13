package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MemoryRegistry is an in-process Registry for tests and single-node setups.
type MemoryRegistry struct {
	counter PendingCounter

	mu      sync.RWMutex
	queues  map[string]*Queue
	byName  map[string]string
	workers map[string]*Worker
	// registration order per queue, so unicast selection stays deterministic
	order         map[string][]string
	allowLoopback bool
	closed        bool
}

// MemoryRegistryOption configures a MemoryRegistry.
type MemoryRegistryOption func(*MemoryRegistry)

// WithPendingCounter wires the job store guard consulted by RemoveQueue.
func WithPendingCounter(counter PendingCounter) MemoryRegistryOption {
	return func(r *MemoryRegistry) {
		r.counter = counter
	}
}

// WithLoopbackWorkers allows loopback worker URLs. Intended for development.
func WithLoopbackWorkers() MemoryRegistryOption {
	return func(r *MemoryRegistry) {
		r.allowLoopback = true
	}
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(opts ...MemoryRegistryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		queues:  map[string]*Queue{},
		byName:  map[string]string{},
		workers: map[string]*Worker{},
		order:   map[string][]string{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateQueue registers a new queue with a fixed delivery type.
func (r *MemoryRegistry) CreateQueue(ctx context.Context, name string, queueType Type, opts CreateQueueOptions) (*Queue, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	q := &Queue{
		ID:            uuid.NewString(),
		Name:          name,
		Type:          queueType,
		SigningSecret: strings.TrimSpace(opts.SigningSecret),
		MaxAttempts:   opts.MaxAttempts,
		CreatedAt:     nowUTC(),
	}
	if q.SigningSecret == "" {
		q.SigningSecret = NewSigningSecret()
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return nil, registryError(ErrDuplicateName, fmt.Sprintf("queue %q already exists", name))
	}
	r.queues[q.ID] = cloneQueue(q)
	r.byName[name] = q.ID
	r.order[q.ID] = []string{}
	return cloneQueue(q), nil
}

// GetQueue returns a queue by ID.
func (r *MemoryRegistry) GetQueue(ctx context.Context, queueID string) (*Queue, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[strings.TrimSpace(queueID)]
	if !ok {
		return nil, registryError(ErrNotFound, fmt.Sprintf("queue %q not found", queueID))
	}
	return cloneQueue(q), nil
}

// GetQueueByName returns a queue by its unique name.
func (r *MemoryRegistry) GetQueueByName(ctx context.Context, name string) (*Queue, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return nil, registryError(ErrNotFound, fmt.Sprintf("queue %q not found", name))
	}
	return cloneQueue(r.queues[id]), nil
}

// ListQueues returns all queues sorted by name.
func (r *MemoryRegistry) ListQueues(ctx context.Context) ([]*Queue, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	queues := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, cloneQueue(q))
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

// RemoveQueue deletes a queue and its workers. Without force it fails while
// the queue still holds undelivered jobs.
func (r *MemoryRegistry) RemoveQueue(ctx context.Context, queueID string, force bool) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	queueID = strings.TrimSpace(queueID)

	if !force && r.counter != nil {
		pending, err := r.counter.CountActive(ctx, queueID)
		if err != nil {
			return registryError(ErrRetryable, fmt.Sprintf("count pending jobs failed: %v", err))
		}
		if pending > 0 {
			return registryError(ErrNonEmptyQueue, fmt.Sprintf("queue %q still holds %d jobs", queueID, pending))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[queueID]
	if !ok {
		return registryError(ErrNotFound, fmt.Sprintf("queue %q not found", queueID))
	}
	for _, workerID := range r.order[queueID] {
		delete(r.workers, workerID)
	}
	delete(r.order, queueID)
	delete(r.byName, q.Name)
	delete(r.queues, queueID)
	return nil
}

// AddWorker registers a worker endpoint on a queue.
func (r *MemoryRegistry) AddWorker(ctx context.Context, queueID string, workerURL string, opts AddWorkerOptions) (*Worker, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	if err := ValidateWorkerURL(workerURL, r.allowLoopback); err != nil {
		return nil, err
	}
	queueID = strings.TrimSpace(queueID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[queueID]; !ok {
		return nil, registryError(ErrNotFound, fmt.Sprintf("queue %q not found", queueID))
	}
	w := &Worker{
		ID:            uuid.NewString(),
		QueueID:       queueID,
		URL:           strings.TrimSpace(workerURL),
		SigningSecret: strings.TrimSpace(opts.SigningSecret),
		Active:        true,
		CreatedAt:     nowUTC(),
	}
	r.workers[w.ID] = cloneWorker(w)
	r.order[queueID] = append(r.order[queueID], w.ID)
	recordWorkerAdded(queueID)
	return cloneWorker(w), nil
}

// GetWorker returns a worker by ID.
func (r *MemoryRegistry) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[strings.TrimSpace(workerID)]
	if !ok {
		return nil, registryError(ErrNotFound, fmt.Sprintf("worker %q not found", workerID))
	}
	return cloneWorker(w), nil
}

// ListWorkers returns a queue's workers in registration order.
func (r *MemoryRegistry) ListWorkers(ctx context.Context, queueID string, activeOnly bool) ([]*Worker, error) {
	if err := r.ensureOpen(); err != nil {
		return nil, err
	}
	queueID = strings.TrimSpace(queueID)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.queues[queueID]; !ok {
		return nil, registryError(ErrNotFound, fmt.Sprintf("queue %q not found", queueID))
	}
	workers := make([]*Worker, 0, len(r.order[queueID]))
	for _, workerID := range r.order[queueID] {
		w := r.workers[workerID]
		if w == nil {
			continue
		}
		if activeOnly && !w.Active {
			continue
		}
		workers = append(workers, cloneWorker(w))
	}
	return workers, nil
}

// DisableWorker marks a worker inactive for future dispatches.
func (r *MemoryRegistry) DisableWorker(ctx context.Context, workerID string) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[strings.TrimSpace(workerID)]
	if !ok {
		return registryError(ErrNotFound, fmt.Sprintf("worker %q not found", workerID))
	}
	w.Active = false
	return nil
}

// RemoveWorker unregisters a worker endpoint.
func (r *MemoryRegistry) RemoveWorker(ctx context.Context, workerID string) error {
	if err := r.ensureOpen(); err != nil {
		return err
	}
	workerID = strings.TrimSpace(workerID)

	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return registryError(ErrNotFound, fmt.Sprintf("worker %q not found", workerID))
	}
	order := r.order[w.QueueID]
	for idx, id := range order {
		if id == workerID {
			r.order[w.QueueID] = append(order[:idx], order[idx+1:]...)
			break
		}
	}
	delete(r.workers, workerID)
	recordWorkerRemoved(w.QueueID)
	return nil
}

// HealthCheck always succeeds for the in-memory registry.
func (r *MemoryRegistry) HealthCheck(ctx context.Context) error {
	return r.ensureOpen()
}

// Close marks the registry unusable.
func (r *MemoryRegistry) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *MemoryRegistry) ensureOpen() error {
	if r == nil {
		return registryError(ErrRetryable, "memory registry is not initialized")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return registryError(ErrRetryable, "memory registry is closed")
	}
	return nil
}

func cloneQueue(q *Queue) *Queue {
	if q == nil {
		return nil
	}
	copyQueue := *q
	return &copyQueue
}

func cloneWorker(w *Worker) *Worker {
	if w == nil {
		return nil
	}
	copyWorker := *w
	return &copyWorker
}
