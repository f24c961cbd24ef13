package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shovehq/shove/pkg/health"
	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/queue"
)

type apiFixture struct {
	store    *jobstore.MemoryStore
	registry *queue.MemoryRegistry
	router   http.Handler
	wakes    int
}

func (f *apiFixture) Wake() { f.wakes++ }

func newAPIFixture(t *testing.T, apiKeys ...string) *apiFixture {
	t.Helper()
	store := jobstore.NewMemoryStore()
	registry := queue.NewMemoryRegistry(
		queue.WithLoopbackWorkers(),
		queue.WithPendingCounter(store),
	)

	fixture := &apiFixture{store: store, registry: registry}
	healthReg := health.NewRegistry()
	healthReg.Register(health.NewStoreChecker("store", store))

	fixture.router = NewRouter(Deps{
		Store:    store,
		Registry: registry,
		Health:   healthReg,
		Waker:    fixture,
		APIKeys:  apiKeys,
	})
	return fixture
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func (f *apiFixture) createQueue(t *testing.T, name, queueType string) queueResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/v1/queues", map[string]any{"name": name, "type": queueType}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create queue status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp queueResponse
	decodeBody(t, rec, &resp)
	return resp
}

func TestCreateQueueReturnsSecretOnce(t *testing.T) {
	f := newAPIFixture(t)

	created := f.createQueue(t, "emails", "unicast")
	if created.SigningSecret == "" {
		t.Fatal("creation response missing signing secret")
	}
	if created.Type != "unicast" {
		t.Fatalf("type = %q, want unicast", created.Type)
	}

	rec := f.do(t, http.MethodGet, "/v1/queues/"+created.ID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get queue status = %d", rec.Code)
	}
	var fetched queueResponse
	decodeBody(t, rec, &fetched)
	if fetched.SigningSecret != "" {
		t.Fatal("read response leaked signing secret")
	}
}

func TestCreateQueueRejectsBadType(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/queues", map[string]any{"name": "x", "type": "broadcast"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateQueueDuplicateNameConflicts(t *testing.T) {
	f := newAPIFixture(t)
	f.createQueue(t, "emails", "unicast")

	rec := f.do(t, http.MethodPost, "/v1/queues", map[string]any{"name": "emails", "type": "unicast"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestRemoveQueueRequiresForceWhenJobsPending(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "emails", "unicast")

	rec := f.do(t, http.MethodPost, "/v1/queues/"+q.ID+"/jobs", map[string]any{"payload": map[string]any{"k": "v"}}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body %s", rec.Code, rec.Body.String())
	}

	if rec := f.do(t, http.MethodDelete, "/v1/queues/"+q.ID, nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("delete without force status = %d, want 409", rec.Code)
	}
	if rec := f.do(t, http.MethodDelete, "/v1/queues/"+q.ID+"?force=true", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("forced delete status = %d, want 204", rec.Code)
	}
	// forced removal purged the queue's jobs
	if jobs, err := f.store.ListByQueue(context.Background(), q.ID, "", 10); err != nil || len(jobs) != 0 {
		t.Fatalf("jobs after forced delete = %d, err %v", len(jobs), err)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "emails", "multicast")

	rec := f.do(t, http.MethodPost, "/v1/queues/"+q.ID+"/workers", map[string]any{"url": "http://127.0.0.1:9999/hook"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add worker status = %d, body %s", rec.Code, rec.Body.String())
	}
	var w workerResponse
	decodeBody(t, rec, &w)
	if !w.Active {
		t.Fatal("new worker not active")
	}

	if rec := f.do(t, http.MethodPost, "/v1/workers/"+w.ID+"/disable", nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("disable status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/queues/"+q.ID+"/workers?active=true", nil, nil)
	var listed struct {
		Workers []workerResponse `json:"workers"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Workers) != 0 {
		t.Fatalf("active workers after disable = %d, want 0", len(listed.Workers))
	}

	if rec := f.do(t, http.MethodDelete, "/v1/workers/"+w.ID, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("remove status = %d", rec.Code)
	}
}

func TestAddWorkerRejectsBadURL(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "emails", "unicast")

	rec := f.do(t, http.MethodPost, "/v1/queues/"+q.ID+"/workers", map[string]any{"url": "ftp://example.com/hook"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEnqueueWakesScheduler(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "emails", "unicast")

	rec := f.do(t, http.MethodPost, "/v1/queues/"+q.ID+"/jobs", map[string]any{"payload": map[string]any{"to": "a@b.c"}}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body %s", rec.Code, rec.Body.String())
	}
	if f.wakes != 1 {
		t.Fatalf("wakes = %d, want 1", f.wakes)
	}

	var job jobResponse
	decodeBody(t, rec, &job)
	if job.State != string(jobstore.StatePending) {
		t.Fatalf("state = %q, want pending", job.State)
	}
}

func TestEnqueueWithDelayPostponesAvailability(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "emails", "unicast")

	before := time.Now().UTC()
	rec := f.do(t, http.MethodPost, "/v1/queues/"+q.ID+"/jobs", map[string]any{
		"payload": map[string]any{"k": "v"},
		"delay":   "5m",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d", rec.Code)
	}
	var job jobResponse
	decodeBody(t, rec, &job)
	if job.AvailableAt.Before(before.Add(4 * time.Minute)) {
		t.Fatalf("available_at = %v, want ~5m out", job.AvailableAt)
	}
}

func TestEnqueueToUnknownQueueFails(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/queues/nope/jobs", map[string]any{"payload": map[string]any{}}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if f.wakes != 0 {
		t.Fatalf("wakes = %d, want 0", f.wakes)
	}
}

func TestCancelAndReplayJob(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "emails", "unicast")

	rec := f.do(t, http.MethodPost, "/v1/queues/"+q.ID+"/jobs", map[string]any{"payload": map[string]any{"k": "v"}}, nil)
	var job jobResponse
	decodeBody(t, rec, &job)

	if rec := f.do(t, http.MethodDelete, "/v1/jobs/"+job.ID, nil, nil); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+job.ID, nil, nil)
	var cancelled jobResponse
	decodeBody(t, rec, &cancelled)
	if cancelled.State != string(jobstore.StateDead) {
		t.Fatalf("state after cancel = %q, want dead", cancelled.State)
	}

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/replay", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d, body %s", rec.Code, rec.Body.String())
	}
	var replayed jobResponse
	decodeBody(t, rec, &replayed)
	if replayed.State != string(jobstore.StatePending) {
		t.Fatalf("state after replay = %q, want pending", replayed.State)
	}
	if replayed.Attempt != 0 {
		t.Fatalf("attempt after replay = %d, want 0", replayed.Attempt)
	}
}

func TestReplayNonDeadJobConflicts(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "emails", "unicast")

	rec := f.do(t, http.MethodPost, "/v1/queues/"+q.ID+"/jobs", map[string]any{"payload": map[string]any{"k": "v"}}, nil)
	var job jobResponse
	decodeBody(t, rec, &job)

	if rec := f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/replay", nil, nil); rec.Code != http.StatusConflict {
		t.Fatalf("replay pending job status = %d, want 409", rec.Code)
	}
}

func TestListJobsFiltersByState(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "emails", "unicast")

	for i := 0; i < 3; i++ {
		f.do(t, http.MethodPost, "/v1/queues/"+q.ID+"/jobs", map[string]any{"payload": map[string]any{"i": i}}, nil)
	}

	rec := f.do(t, http.MethodGet, "/v1/queues/"+q.ID+"/jobs?state=pending", nil, nil)
	var listed struct {
		Jobs []jobResponse `json:"jobs"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Jobs) != 3 {
		t.Fatalf("pending jobs = %d, want 3", len(listed.Jobs))
	}

	rec = f.do(t, http.MethodGet, "/v1/queues/"+q.ID+"/jobs?state=dead", nil, nil)
	listed.Jobs = nil
	decodeBody(t, rec, &listed)
	if len(listed.Jobs) != 0 {
		t.Fatalf("dead jobs = %d, want 0", len(listed.Jobs))
	}
}

func TestRecurringLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "reports", "unicast")

	rec := f.do(t, http.MethodPost, "/v1/queues/"+q.ID+"/recurring", map[string]any{
		"name":    "nightly",
		"rule":    "@every 1h",
		"payload": map[string]any{"report": "daily"},
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create recurring status = %d, body %s", rec.Code, rec.Body.String())
	}
	var def recurringResponse
	decodeBody(t, rec, &def)
	if def.NextRun.IsZero() {
		t.Fatal("next_run not computed")
	}
	if until := time.Until(def.NextRun); until > time.Hour || until < 50*time.Minute {
		t.Fatalf("next_run = %v, want ~1h out", def.NextRun)
	}

	rec = f.do(t, http.MethodGet, "/v1/queues/"+q.ID+"/recurring", nil, nil)
	var listed struct {
		Recurring []recurringResponse `json:"recurring"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Recurring) != 1 {
		t.Fatalf("recurring definitions = %d, want 1", len(listed.Recurring))
	}

	if rec := f.do(t, http.MethodDelete, "/v1/recurring/"+def.ID, nil, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete recurring status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/recurring/"+def.ID, nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted recurring status = %d, want 404", rec.Code)
	}
}

func TestCreateRecurringRejectsBadRule(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "reports", "unicast")

	rec := f.do(t, http.MethodPost, "/v1/queues/"+q.ID+"/recurring", map[string]any{
		"rule":    "whenever",
		"payload": map[string]any{},
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	f := newAPIFixture(t, "secret-key")

	if rec := f.do(t, http.MethodGet, "/v1/queues", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/queues", nil, map[string]string{APIKeyHeader: "wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key status = %d, want 401", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/v1/queues", nil, map[string]string{APIKeyHeader: "secret-key"}); rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rec.Code)
	}
	// health endpoint stays open
	if rec := f.do(t, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestHealthzReportsUnhealthyBackend(t *testing.T) {
	f := newAPIFixture(t)
	// closing the store makes its probe fail
	if err := f.store.Close(); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz status = %d, want 503", rec.Code)
	}
}

func TestListAttemptsForUnknownJob(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/jobs/nope/attempts", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestEnqueueBase64Payload(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "blobs", "unicast")

	rec := f.do(t, http.MethodPost, "/v1/queues/"+q.ID+"/jobs", map[string]any{
		"payload_base64": "aGVsbG8=",
		"content_type":   "application/octet-stream",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body %s", rec.Code, rec.Body.String())
	}
	var job jobResponse
	decodeBody(t, rec, &job)

	stored, err := f.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(stored.Payload) != "hello" {
		t.Fatalf("payload = %q, want hello", stored.Payload)
	}
	if stored.ContentType != "application/octet-stream" {
		t.Fatalf("content type = %q", stored.ContentType)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestListJobsRejectsBadLimit(t *testing.T) {
	f := newAPIFixture(t)
	q := f.createQueue(t, "emails", "unicast")

	for _, limit := range []string{"0", "-1", "abc"} {
		rec := f.do(t, http.MethodGet, fmt.Sprintf("/v1/queues/%s/jobs?limit=%s", q.ID, limit), nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit %q status = %d, want 400", limit, rec.Code)
		}
	}
}
