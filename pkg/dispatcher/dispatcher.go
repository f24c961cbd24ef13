package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shovehq/shove/pkg/backoff"
	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/observability/logger"
	"github.com/shovehq/shove/pkg/queue"
)

const (
	DefaultConcurrency = 4
	DefaultStopTimeout = 10 * time.Second
)

// Config configures dispatcher concurrency and retry behavior.
type Config struct {
	Concurrency int
	StopTimeout time.Duration
	Retry       backoff.Policy
	Deliverer   DelivererConfig
}

func (c *Config) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	c.Retry.Normalize()
	c.Deliverer.normalize()
}

// Dispatcher drains claimed jobs through HTTP deliveries and records the
// resulting state transitions. Jobs arrive via Submit, already claimed; the
// dispatcher owns them until their outcome is recorded.
type Dispatcher struct {
	store     jobstore.Store
	registry  queue.Registry
	deliverer *Deliverer
	log       logger.Logger
	config    Config

	selector *roundRobinSelector
	jobs     chan *jobstore.Job

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a dispatcher over the given store and registry.
func New(store jobstore.Store, registry queue.Registry, log logger.Logger, cfg Config) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	deliverer, err := NewDeliverer(log, cfg.Deliverer)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		store:     store,
		registry:  registry,
		deliverer: deliverer,
		log:       log,
		config:    cfg,
		selector:  newRoundRobinSelector(),
		jobs:      make(chan *jobstore.Job),
	}, nil
}

// Start launches the delivery workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.running {
		return errors.New("dispatcher already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true

	for i := 0; i < d.config.Concurrency; i++ {
		d.wg.Add(1)
		go d.runWorker(runCtx)
	}
	d.log.Info("dispatcher started", "concurrency", d.config.Concurrency)
	return nil
}

// Stop requests shutdown and waits for in-flight deliveries to finish.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	d.lifecycleMu.Lock()
	if !d.running {
		d.lifecycleMu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.cancel = nil
	d.running = false
	d.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waitCh)
	}()

	stopCtx, stopCancel := context.WithTimeout(ctx, d.config.StopTimeout)
	defer stopCancel()
	select {
	case <-stopCtx.Done():
		return stopCtx.Err()
	case <-waitCh:
		return nil
	}
}

// Submit hands a claimed job to the dispatcher. It blocks until a delivery
// worker accepts the job or the context is cancelled.
func (d *Dispatcher) Submit(ctx context.Context, job *jobstore.Job) error {
	if job == nil {
		return errors.New("job is required")
	}
	select {
	case d.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.jobs:
			if err := d.Process(ctx, job); err != nil {
				d.log.Error("dispatch failed",
					"job_id", job.ID,
					"queue_id", job.QueueID,
					"error", err,
				)
			}
		}
	}
}

// Process runs one dispatch round for a claimed job and records its outcome.
func (d *Dispatcher) Process(ctx context.Context, job *jobstore.Job) error {
	q, err := d.registry.GetQueue(ctx, job.QueueID)
	if errors.Is(err, queue.ErrNotFound) {
		// the queue was force-removed while the job was in flight
		_, outcomeErr := d.store.RecordOutcome(ctx, job.ID, jobstore.Outcome{
			Kind:   jobstore.OutcomeDead,
			Reason: fmt.Sprintf("queue lookup failed: %v", err),
		})
		if outcomeErr != nil {
			return errors.Join(err, outcomeErr)
		}
		return nil
	}
	if err != nil {
		// transient registry failure; the job itself is fine
		return d.retryRound(ctx, job, nil, jobstore.Outcome{
			Reason: fmt.Sprintf("queue lookup failed: %v", err),
		})
	}

	workers, err := d.registry.ListWorkers(ctx, q.ID, true)
	if err != nil {
		return d.retryRound(ctx, job, q, jobstore.Outcome{
			Reason: fmt.Sprintf("worker lookup failed: %v", err),
		})
	}
	if len(workers) == 0 {
		// nothing can take the job yet; retry consumes an attempt so a
		// workerless queue cannot hold jobs forever
		return d.retryRound(ctx, job, q, jobstore.Outcome{
			Reason: "no active workers registered",
		})
	}

	switch q.Type {
	case queue.TypeMulticast:
		return d.processMulticast(ctx, job, q, workers)
	default:
		return d.processUnicast(ctx, job, q, workers)
	}
}

func (d *Dispatcher) processUnicast(ctx context.Context, job *jobstore.Job, q *queue.Queue, workers []*queue.Worker) error {
	worker := d.selector.pick(q.ID, workers)
	delivery := d.deliverer.Deliver(ctx, job, worker, worker.Secret(q))
	d.appendAttempt(ctx, job, worker, delivery)

	switch delivery.Result {
	case jobstore.ResultSuccess:
		_, err := d.store.RecordOutcome(ctx, job.ID, jobstore.Outcome{
			Kind:       jobstore.OutcomeDelivered,
			WorkerID:   worker.ID,
			StatusCode: delivery.StatusCode,
		})
		return err
	case jobstore.ResultPermanent:
		_, err := d.store.RecordOutcome(ctx, job.ID, jobstore.Outcome{
			Kind:       jobstore.OutcomeDead,
			WorkerID:   worker.ID,
			StatusCode: delivery.StatusCode,
			Reason:     deliveryReason(delivery),
		})
		return err
	default:
		return d.retryRound(ctx, job, q, jobstore.Outcome{
			WorkerID:   worker.ID,
			StatusCode: delivery.StatusCode,
			Reason:     deliveryReason(delivery),
		})
	}
}

func (d *Dispatcher) processMulticast(ctx context.Context, job *jobstore.Job, q *queue.Queue, workers []*queue.Worker) error {
	// the worker set of a round is frozen at its first attempt; workers
	// registered mid-round join the next job, not this one
	round := job.RoundWorkers
	if len(round) == 0 {
		round = make([]string, 0, len(workers))
		for _, worker := range workers {
			round = append(round, worker.ID)
		}
	}

	succeeded := map[string]struct{}{}
	for _, workerID := range job.SucceededWorkers {
		succeeded[workerID] = struct{}{}
	}

	byID := map[string]*queue.Worker{}
	for _, worker := range workers {
		byID[worker.ID] = worker
	}

	var lastFailed Delivery
	var lastFailedWorker string
	anyTransient := false
	for _, workerID := range round {
		if _, done := succeeded[workerID]; done {
			continue
		}
		worker, present := byID[workerID]
		if !present {
			// removed or disabled mid-round; drop it from the obligation
			succeeded[workerID] = struct{}{}
			continue
		}

		delivery := d.deliverer.Deliver(ctx, job, worker, worker.Secret(q))
		d.appendAttempt(ctx, job, worker, delivery)
		if delivery.Result == jobstore.ResultSuccess {
			succeeded[workerID] = struct{}{}
			continue
		}
		if delivery.Result == jobstore.ResultTransient {
			anyTransient = true
		}
		lastFailed = delivery
		lastFailedWorker = worker.ID
	}

	succeededList := make([]string, 0, len(succeeded))
	for _, workerID := range round {
		if _, done := succeeded[workerID]; done {
			succeededList = append(succeededList, workerID)
		}
	}

	if len(succeededList) == len(round) {
		_, err := d.store.RecordOutcome(ctx, job.ID, jobstore.Outcome{
			Kind:             jobstore.OutcomeDelivered,
			RoundWorkers:     round,
			SucceededWorkers: succeededList,
		})
		return err
	}

	outcome := jobstore.Outcome{
		WorkerID:         lastFailedWorker,
		StatusCode:       lastFailed.StatusCode,
		Reason:           deliveryReason(lastFailed),
		RoundWorkers:     round,
		SucceededWorkers: succeededList,
	}
	if !anyTransient {
		// every remaining worker rejected permanently; retrying cannot help
		outcome.Kind = jobstore.OutcomeDead
		_, err := d.store.RecordOutcome(ctx, job.ID, outcome)
		return err
	}
	return d.retryRound(ctx, job, q, outcome)
}

// retryRound schedules the next round or kills the job when its attempt
// budget is spent.
func (d *Dispatcher) retryRound(ctx context.Context, job *jobstore.Job, q *queue.Queue, outcome jobstore.Outcome) error {
	policy := d.config.Retry
	if q != nil && q.MaxAttempts > 0 {
		policy.MaxAttempts = q.MaxAttempts
	}
	if job.MaxAttempts > 0 {
		policy.MaxAttempts = job.MaxAttempts
	}

	attempted := job.Attempt + 1
	if policy.IsTerminal(attempted) {
		outcome.Kind = jobstore.OutcomeDead
		if outcome.Reason == "" {
			outcome.Reason = "attempts exhausted"
		} else {
			outcome.Reason = fmt.Sprintf("attempts exhausted: %s", outcome.Reason)
		}
		_, err := d.store.RecordOutcome(ctx, job.ID, outcome)
		return err
	}

	outcome.Kind = jobstore.OutcomeRetry
	outcome.NextAvailableAt = time.Now().UTC().Add(policy.NextAttempt(attempted))
	_, err := d.store.RecordOutcome(ctx, job.ID, outcome)
	return err
}

func (d *Dispatcher) appendAttempt(ctx context.Context, job *jobstore.Job, worker *queue.Worker, delivery Delivery) {
	err := d.store.AppendAttempt(ctx, &jobstore.DeliveryAttempt{
		JobID:      job.ID,
		WorkerID:   worker.ID,
		WorkerURL:  worker.URL,
		Attempt:    job.Attempt + 1,
		Signature:  delivery.Signature,
		StatusCode: delivery.StatusCode,
		Latency:    delivery.Latency,
		Result:     delivery.Result,
		Error:      deliveryReason(delivery),
	})
	if err != nil {
		d.log.Warn("append attempt failed", "job_id", job.ID, "worker_id", worker.ID, "error", err)
	}
}

func deliveryReason(delivery Delivery) string {
	if delivery.Err != nil {
		return strings.TrimSpace(delivery.Err.Error())
	}
	return ""
}

// roundRobinSelector rotates unicast deliveries across a queue's workers in
// registration order.
type roundRobinSelector struct {
	mu   sync.Mutex
	next map[string]int
}

func newRoundRobinSelector() *roundRobinSelector {
	return &roundRobinSelector{next: map[string]int{}}
}

func (s *roundRobinSelector) pick(queueID string, workers []*queue.Worker) *queue.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.next[queueID] % len(workers)
	s.next[queueID] = index + 1
	return workers[index]
}
