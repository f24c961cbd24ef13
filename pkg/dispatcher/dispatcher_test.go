package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shovehq/shove/pkg/backoff"
	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/observability/logger"
	"github.com/shovehq/shove/pkg/queue"
	"github.com/shovehq/shove/pkg/signature"
)

type dispatchFixture struct {
	dispatcher *Dispatcher
	store      *jobstore.MemoryStore
	registry   *queue.MemoryRegistry
}

func newDispatchFixture(t *testing.T, cfg Config) *dispatchFixture {
	t.Helper()
	store := jobstore.NewMemoryStore()
	registry := queue.NewMemoryRegistry(queue.WithLoopbackWorkers())
	d, err := New(store, registry, logger.NewNopLogger(), cfg)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return &dispatchFixture{dispatcher: d, store: store, registry: registry}
}

func (f *dispatchFixture) createQueue(t *testing.T, queueType queue.Type) *queue.Queue {
	t.Helper()
	q, err := f.registry.CreateQueue(context.Background(), "orders-"+string(queueType), queueType, queue.CreateQueueOptions{})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	return q
}

func (f *dispatchFixture) addWorker(t *testing.T, queueID, url string) *queue.Worker {
	t.Helper()
	w, err := f.registry.AddWorker(context.Background(), queueID, url, queue.AddWorkerOptions{})
	if err != nil {
		t.Fatalf("add worker: %v", err)
	}
	return w
}

func (f *dispatchFixture) claimJob(t *testing.T, queueID string, payload []byte) *jobstore.Job {
	t.Helper()
	job := &jobstore.Job{QueueID: queueID, Payload: payload}
	if err := f.store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := f.store.ClaimDue(context.Background(), 1, time.Now().UTC())
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(claimed))
	}
	return claimed[0]
}

func workerServer(t *testing.T, status int, hits *atomic.Int64, secret *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if secret != nil {
			if err := signature.VerifyRequest([]byte(*secret), r.Header, body); err != nil {
				t.Errorf("signature verify: %v", err)
			}
		}
		if r.Header.Get(signature.DeliveryIDHeader) == "" {
			t.Error("missing delivery id header")
		}
		w.WriteHeader(status)
	}))
}

func TestDispatcher_UnicastSuccessDeliversJob(t *testing.T) {
	f := newDispatchFixture(t, Config{})
	q := f.createQueue(t, queue.TypeUnicast)

	var hits atomic.Int64
	server := workerServer(t, http.StatusOK, &hits, &q.SigningSecret)
	defer server.Close()
	w := f.addWorker(t, q.ID, server.URL)

	job := f.claimJob(t, q.ID, []byte(`{"order":42}`))
	if err := f.dispatcher.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateDelivered {
		t.Fatalf("expected delivered, got %s", final.State)
	}
	if final.LastWorkerID != w.ID {
		t.Fatalf("expected last worker %s, got %s", w.ID, final.LastWorkerID)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", hits.Load())
	}

	attempts, err := f.store.ListAttempts(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].Result != jobstore.ResultSuccess {
		t.Fatalf("unexpected attempt record: %+v", attempts)
	}
}

func TestDispatcher_TransientFailureSchedulesRetry(t *testing.T) {
	f := newDispatchFixture(t, Config{
		Retry: backoff.Policy{MaxAttempts: 3, InitialBackoff: time.Minute},
	})
	q := f.createQueue(t, queue.TypeUnicast)

	server := workerServer(t, http.StatusServiceUnavailable, nil, nil)
	defer server.Close()
	f.addWorker(t, q.ID, server.URL)

	job := f.claimJob(t, q.ID, []byte(`{}`))
	before := time.Now().UTC()
	if err := f.dispatcher.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateRetryScheduled {
		t.Fatalf("expected retry-scheduled, got %s", final.State)
	}
	if final.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", final.Attempt)
	}
	if !final.AvailableAt.After(before) {
		t.Fatalf("backoff not applied: available at %v", final.AvailableAt)
	}
}

func TestDispatcher_PermanentFailureKillsJob(t *testing.T) {
	f := newDispatchFixture(t, Config{})
	q := f.createQueue(t, queue.TypeUnicast)

	server := workerServer(t, http.StatusUnprocessableEntity, nil, nil)
	defer server.Close()
	f.addWorker(t, q.ID, server.URL)

	job := f.claimJob(t, q.ID, []byte(`{}`))
	if err := f.dispatcher.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateDead {
		t.Fatalf("expected dead after 4xx, got %s", final.State)
	}
}

func TestDispatcher_TooManyRequestsIsRetried(t *testing.T) {
	f := newDispatchFixture(t, Config{
		Retry: backoff.Policy{MaxAttempts: 3, InitialBackoff: time.Minute},
	})
	q := f.createQueue(t, queue.TypeUnicast)

	server := workerServer(t, http.StatusTooManyRequests, nil, nil)
	defer server.Close()
	f.addWorker(t, q.ID, server.URL)

	job := f.claimJob(t, q.ID, []byte(`{}`))
	if err := f.dispatcher.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateRetryScheduled {
		t.Fatalf("429 must be retried, got %s", final.State)
	}
}

func TestDispatcher_ExhaustedAttemptsKillJob(t *testing.T) {
	f := newDispatchFixture(t, Config{
		Retry: backoff.Policy{MaxAttempts: 1},
	})
	q := f.createQueue(t, queue.TypeUnicast)

	server := workerServer(t, http.StatusInternalServerError, nil, nil)
	defer server.Close()
	f.addWorker(t, q.ID, server.URL)

	job := f.claimJob(t, q.ID, []byte(`{}`))
	if err := f.dispatcher.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateDead {
		t.Fatalf("expected dead after exhausting attempts, got %s", final.State)
	}
}

func TestDispatcher_NoWorkersSchedulesRetry(t *testing.T) {
	f := newDispatchFixture(t, Config{
		Retry: backoff.Policy{MaxAttempts: 3, InitialBackoff: time.Minute},
	})
	q := f.createQueue(t, queue.TypeUnicast)

	job := f.claimJob(t, q.ID, []byte(`{}`))
	if err := f.dispatcher.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateRetryScheduled {
		t.Fatalf("expected retry-scheduled with no workers, got %s", final.State)
	}
}

func TestDispatcher_UnicastRotatesAcrossWorkers(t *testing.T) {
	f := newDispatchFixture(t, Config{})
	q := f.createQueue(t, queue.TypeUnicast)

	var firstHits, secondHits atomic.Int64
	first := workerServer(t, http.StatusOK, &firstHits, nil)
	defer first.Close()
	second := workerServer(t, http.StatusOK, &secondHits, nil)
	defer second.Close()
	f.addWorker(t, q.ID, first.URL)
	f.addWorker(t, q.ID, second.URL)

	for i := 0; i < 4; i++ {
		job := f.claimJob(t, q.ID, []byte(`{}`))
		if err := f.dispatcher.Process(context.Background(), job); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}

	if firstHits.Load() != 2 || secondHits.Load() != 2 {
		t.Fatalf("expected even rotation, got %d and %d", firstHits.Load(), secondHits.Load())
	}
}

func TestDispatcher_MulticastDeliversToAllWorkers(t *testing.T) {
	f := newDispatchFixture(t, Config{})
	q := f.createQueue(t, queue.TypeMulticast)

	var firstHits, secondHits atomic.Int64
	first := workerServer(t, http.StatusOK, &firstHits, nil)
	defer first.Close()
	second := workerServer(t, http.StatusOK, &secondHits, nil)
	defer second.Close()
	f.addWorker(t, q.ID, first.URL)
	f.addWorker(t, q.ID, second.URL)

	job := f.claimJob(t, q.ID, []byte(`{}`))
	if err := f.dispatcher.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateDelivered {
		t.Fatalf("expected delivered, got %s", final.State)
	}
	if firstHits.Load() != 1 || secondHits.Load() != 1 {
		t.Fatalf("expected one delivery each, got %d and %d", firstHits.Load(), secondHits.Load())
	}
}

func TestDispatcher_MulticastNeverRenotifiesSucceededWorkers(t *testing.T) {
	f := newDispatchFixture(t, Config{
		Retry: backoff.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond},
	})
	q := f.createQueue(t, queue.TypeMulticast)

	var okHits, failHits atomic.Int64
	okServer := workerServer(t, http.StatusOK, &okHits, nil)
	defer okServer.Close()

	var failStatus atomic.Int64
	failStatus.Store(http.StatusServiceUnavailable)
	failServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		failHits.Add(1)
		w.WriteHeader(int(failStatus.Load()))
	}))
	defer failServer.Close()

	okWorker := f.addWorker(t, q.ID, okServer.URL)
	f.addWorker(t, q.ID, failServer.URL)

	job := f.claimJob(t, q.ID, []byte(`{}`))
	if err := f.dispatcher.Process(context.Background(), job); err != nil {
		t.Fatalf("first round: %v", err)
	}

	afterFirst, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if afterFirst.State != jobstore.StateRetryScheduled {
		t.Fatalf("expected retry-scheduled, got %s", afterFirst.State)
	}
	if len(afterFirst.SucceededWorkers) != 1 || afterFirst.SucceededWorkers[0] != okWorker.ID {
		t.Fatalf("unexpected succeeded workers: %v", afterFirst.SucceededWorkers)
	}

	// second round: the failing worker recovers
	failStatus.Store(http.StatusOK)
	time.Sleep(5 * time.Millisecond)
	claimed, err := f.store.ClaimDue(context.Background(), 1, time.Now().UTC())
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaim: %v (%d)", err, len(claimed))
	}
	if err := f.dispatcher.Process(context.Background(), claimed[0]); err != nil {
		t.Fatalf("second round: %v", err)
	}

	final, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateDelivered {
		t.Fatalf("expected delivered, got %s", final.State)
	}
	if okHits.Load() != 1 {
		t.Fatalf("succeeded worker was re-notified: %d hits", okHits.Load())
	}
	if failHits.Load() != 2 {
		t.Fatalf("expected 2 hits on recovering worker, got %d", failHits.Load())
	}
}

func TestDispatcher_MulticastAllPermanentKillsJob(t *testing.T) {
	f := newDispatchFixture(t, Config{
		Retry: backoff.Policy{MaxAttempts: 5},
	})
	q := f.createQueue(t, queue.TypeMulticast)

	first := workerServer(t, http.StatusBadRequest, nil, nil)
	defer first.Close()
	second := workerServer(t, http.StatusGone, nil, nil)
	defer second.Close()
	f.addWorker(t, q.ID, first.URL)
	f.addWorker(t, q.ID, second.URL)

	job := f.claimJob(t, q.ID, []byte(`{}`))
	if err := f.dispatcher.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateDead {
		t.Fatalf("expected dead when every worker rejects permanently, got %s", final.State)
	}
}

func TestDispatcher_CancelledJobDiesDespiteSuccess(t *testing.T) {
	f := newDispatchFixture(t, Config{})
	q := f.createQueue(t, queue.TypeUnicast)

	server := workerServer(t, http.StatusOK, nil, nil)
	defer server.Close()
	f.addWorker(t, q.ID, server.URL)

	job := f.claimJob(t, q.ID, []byte(`{}`))
	if err := f.store.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.dispatcher.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateDead {
		t.Fatalf("cancelled job finished as %s, want dead", final.State)
	}
}

type flakyRegistry struct {
	queue.Registry
	getQueueErr error
}

func (r *flakyRegistry) GetQueue(ctx context.Context, queueID string) (*queue.Queue, error) {
	if r.getQueueErr != nil {
		return nil, r.getQueueErr
	}
	return r.Registry.GetQueue(ctx, queueID)
}

func TestDispatcher_RegistryBlipSchedulesRetry(t *testing.T) {
	store := jobstore.NewMemoryStore()
	registry := queue.NewMemoryRegistry(queue.WithLoopbackWorkers())
	flaky := &flakyRegistry{Registry: registry, getQueueErr: queue.ErrRetryable}
	d, err := New(store, flaky, logger.NewNopLogger(), Config{
		Retry: backoff.Policy{MaxAttempts: 3, InitialBackoff: time.Minute},
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	q, err := registry.CreateQueue(context.Background(), "orders", queue.TypeUnicast, queue.CreateQueueOptions{})
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}
	job := &jobstore.Job{QueueID: q.ID, Payload: []byte(`{}`)}
	if err := store.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := store.ClaimDue(context.Background(), 1, time.Now().UTC())
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	if err := d.Process(context.Background(), claimed[0]); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateRetryScheduled {
		t.Fatalf("registry blip must schedule a retry, got %s", final.State)
	}
	if final.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", final.Attempt)
	}
}

func TestDispatcher_RemovedQueueKillsJob(t *testing.T) {
	f := newDispatchFixture(t, Config{})
	q := f.createQueue(t, queue.TypeUnicast)

	job := f.claimJob(t, q.ID, []byte(`{}`))
	if err := f.registry.RemoveQueue(context.Background(), q.ID, true); err != nil {
		t.Fatalf("remove queue: %v", err)
	}
	if err := f.dispatcher.Process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != jobstore.StateDead {
		t.Fatalf("expected dead after queue removal, got %s", final.State)
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	f := newDispatchFixture(t, Config{Concurrency: 2})
	q := f.createQueue(t, queue.TypeUnicast)

	server := workerServer(t, http.StatusOK, nil, nil)
	defer server.Close()
	f.addWorker(t, q.ID, server.URL)

	ctx := context.Background()
	if err := f.dispatcher.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.dispatcher.Start(ctx); err == nil {
		t.Fatal("second start must fail")
	}

	job := f.claimJob(t, q.ID, []byte(`{}`))
	if err := f.dispatcher.Submit(ctx, job); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		final, err := f.store.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if final.State == jobstore.StateDelivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not delivered before deadline, state %s", final.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := f.dispatcher.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := f.dispatcher.Stop(ctx); err != nil {
		t.Fatalf("idempotent stop: %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   jobstore.Result
	}{
		{200, jobstore.ResultSuccess},
		{204, jobstore.ResultSuccess},
		{400, jobstore.ResultPermanent},
		{404, jobstore.ResultPermanent},
		{408, jobstore.ResultTransient},
		{429, jobstore.ResultTransient},
		{500, jobstore.ResultTransient},
		{503, jobstore.ResultTransient},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status); got != tc.want {
			t.Errorf("status %d: got %s, want %s", tc.status, got, tc.want)
		}
	}
}
