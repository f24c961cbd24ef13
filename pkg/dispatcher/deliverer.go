package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/observability/logger"
	"github.com/shovehq/shove/pkg/queue"
	"github.com/shovehq/shove/pkg/resilience"
	"github.com/shovehq/shove/pkg/signature"
)

const (
	DefaultAttemptTimeout     = 30 * time.Second
	DefaultRatePerWorker      = 50.0
	DefaultBurstPerWorker     = 10
	DefaultBreakerMaxFailures = 5
	DefaultBreakerCooldown    = 30 * time.Second
	defaultResponseBodyLimit  = 4 << 10
)

// DelivererConfig configures HTTP delivery to worker endpoints.
type DelivererConfig struct {
	AttemptTimeout time.Duration
	// RatePerWorker caps deliveries per second to a single worker endpoint.
	RatePerWorker      float64
	BurstPerWorker     int
	BreakerMaxFailures int
	BreakerCooldown    time.Duration
}

func (c *DelivererConfig) normalize() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.RatePerWorker <= 0 {
		c.RatePerWorker = DefaultRatePerWorker
	}
	if c.BurstPerWorker <= 0 {
		c.BurstPerWorker = DefaultBurstPerWorker
	}
	if c.BreakerMaxFailures <= 0 {
		c.BreakerMaxFailures = DefaultBreakerMaxFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerCooldown
	}
}

// Delivery is the observed result of one HTTP exchange with a worker.
type Delivery struct {
	StatusCode int
	Latency    time.Duration
	Signature  string
	Result     jobstore.Result
	Err        error
}

// Deliverer posts signed job payloads to worker endpoints. Each worker gets
// its own rate limiter and circuit breaker keyed by worker ID.
type Deliverer struct {
	client *http.Client
	log    logger.Logger
	config DelivererConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*resilience.CircuitBreaker
}

// NewDeliverer creates a deliverer with a dedicated HTTP client.
func NewDeliverer(log logger.Logger, cfg DelivererConfig) (*Deliverer, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	return &Deliverer{
		client: &http.Client{
			Timeout: cfg.AttemptTimeout,
		},
		log:      log,
		config:   cfg,
		limiters: map[string]*rate.Limiter{},
		breakers: map[string]*resilience.CircuitBreaker{},
	}, nil
}

// DeliveryID is the value of the delivery identification header: the job ID
// and the attempt number, so workers can deduplicate redelivered payloads.
func DeliveryID(jobID string, attempt int) string {
	return jobID + ":" + strconv.Itoa(attempt)
}

// Deliver signs the job payload and posts it to one worker. The returned
// Delivery always carries a classification, including on transport errors.
func (d *Deliverer) Deliver(ctx context.Context, job *jobstore.Job, worker *queue.Worker, secret string) Delivery {
	signed, err := signature.Sign([]byte(secret), job.Payload)
	if err != nil {
		return Delivery{Result: jobstore.ResultPermanent, Err: fmt.Errorf("sign payload failed: %w", err)}
	}

	limiter := d.limiterFor(worker.ID)
	if err := limiter.Wait(ctx); err != nil {
		return Delivery{Signature: signed, Result: jobstore.ResultTransient, Err: fmt.Errorf("rate limit wait failed: %w", err)}
	}

	breaker := d.breakerFor(worker.ID)
	if !breaker.Allow() {
		recordDeliverySuppressed(worker.QueueID)
		return Delivery{Signature: signed, Result: jobstore.ResultTransient, Err: resilience.ErrCircuitOpen}
	}

	started := time.Now()
	var statusCode int
	execErr := resilience.WithTimeout(ctx, d.config.AttemptTimeout, func(attemptCtx context.Context) error {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, worker.URL, bytes.NewReader(job.Payload))
		if err != nil {
			return fmt.Errorf("build request failed: %w", err)
		}
		req.Header.Set("Content-Type", job.ContentType)
		req.Header.Set(signature.Header, signed)
		req.Header.Set(signature.DeliveryIDHeader, DeliveryID(job.ID, job.Attempt+1))

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, defaultResponseBodyLimit))
		_ = resp.Body.Close()
		statusCode = resp.StatusCode
		return nil
	})
	latency := time.Since(started)

	delivery := Delivery{
		StatusCode: statusCode,
		Latency:    latency,
		Signature:  signed,
	}
	if execErr != nil {
		delivery.Result = jobstore.ResultTransient
		delivery.Err = execErr
		breaker.RecordFailure()
		recordDelivery(worker.QueueID, string(jobstore.ResultTransient))
		return delivery
	}

	delivery.Result = classifyStatus(statusCode)
	switch delivery.Result {
	case jobstore.ResultSuccess:
		breaker.RecordSuccess()
	default:
		delivery.Err = fmt.Errorf("worker responded %d", statusCode)
		breaker.RecordFailure()
	}
	recordDelivery(worker.QueueID, string(delivery.Result))
	observeDeliveryLatency(worker.QueueID, latency)
	return delivery
}

// classifyStatus maps an HTTP status to a delivery result. 2xx succeeds,
// 408 and 429 are retried, other 4xx are permanent, everything else retries.
func classifyStatus(status int) jobstore.Result {
	switch {
	case status >= 200 && status < 300:
		return jobstore.ResultSuccess
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return jobstore.ResultTransient
	case status >= 400 && status < 500:
		return jobstore.ResultPermanent
	default:
		return jobstore.ResultTransient
	}
}

func (d *Deliverer) limiterFor(workerID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	limiter, ok := d.limiters[workerID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(d.config.RatePerWorker), d.config.BurstPerWorker)
		d.limiters[workerID] = limiter
	}
	return limiter
}

func (d *Deliverer) breakerFor(workerID string) *resilience.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	breaker, ok := d.breakers[workerID]
	if !ok {
		breaker = resilience.NewCircuitBreaker(d.config.BreakerMaxFailures, d.config.BreakerCooldown)
		d.breakers[workerID] = breaker
	}
	return breaker
}

// Forget drops per-worker limiter and breaker state, typically after the
// worker is removed from its queue.
func (d *Deliverer) Forget(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.limiters, workerID)
	delete(d.breakers, workerID)
}
