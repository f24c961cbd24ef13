package api

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/queue"
)

type queueResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	// SigningSecret is returned once, in the creation response only.
	SigningSecret string `json:"signing_secret,omitempty"`
}

func toQueueResponse(q *queue.Queue, includeSecret bool) queueResponse {
	resp := queueResponse{
		ID:          q.ID,
		Name:        q.Name,
		Type:        string(q.Type),
		MaxAttempts: q.MaxAttempts,
		CreatedAt:   q.CreatedAt,
	}
	if includeSecret {
		resp.SigningSecret = q.SigningSecret
	}
	return resp
}

type workerResponse struct {
	ID        string    `json:"id"`
	QueueID   string    `json:"queue_id"`
	URL       string    `json:"url"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func toWorkerResponse(w *queue.Worker) workerResponse {
	return workerResponse{
		ID:        w.ID,
		QueueID:   w.QueueID,
		URL:       w.URL,
		Active:    w.Active,
		CreatedAt: w.CreatedAt,
	}
}

type jobResponse struct {
	ID          string          `json:"id"`
	QueueID     string          `json:"queue_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	// PayloadBase64 carries payloads that are not valid JSON.
	PayloadBase64 string `json:"payload_base64,omitempty"`
	ContentType   string `json:"content_type"`

	State       string    `json:"state"`
	AvailableAt time.Time `json:"available_at"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	Cancelled   bool      `json:"cancelled,omitempty"`

	RecurrenceID  string `json:"recurrence_id,omitempty"`
	OccurrenceKey string `json:"occurrence_key,omitempty"`

	LastWorkerID  string     `json:"last_worker_id,omitempty"`
	LastStatus    int        `json:"last_status,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toJobResponse(j *jobstore.Job) jobResponse {
	resp := jobResponse{
		ID:            j.ID,
		QueueID:       j.QueueID,
		ContentType:   j.ContentType,
		State:         string(j.State),
		AvailableAt:   j.AvailableAt,
		Attempt:       j.Attempt,
		MaxAttempts:   j.MaxAttempts,
		Cancelled:     j.Cancelled,
		RecurrenceID:  j.RecurrenceID,
		OccurrenceKey: j.OccurrenceKey,
		LastWorkerID:  j.LastWorkerID,
		LastStatus:    j.LastStatus,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if json.Valid(j.Payload) {
		resp.Payload = json.RawMessage(j.Payload)
	} else if len(j.Payload) > 0 {
		resp.PayloadBase64 = base64.StdEncoding.EncodeToString(j.Payload)
	}
	if !j.LastAttemptAt.IsZero() {
		at := j.LastAttemptAt
		resp.LastAttemptAt = &at
	}
	return resp
}

type attemptResponse struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	WorkerID   string    `json:"worker_id"`
	WorkerURL  string    `json:"worker_url"`
	Attempt    int       `json:"attempt"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

func toAttemptResponse(a *jobstore.DeliveryAttempt) attemptResponse {
	return attemptResponse{
		ID:         a.ID,
		JobID:      a.JobID,
		WorkerID:   a.WorkerID,
		WorkerURL:  a.WorkerURL,
		Attempt:    a.Attempt,
		StatusCode: a.StatusCode,
		LatencyMS:  a.Latency.Milliseconds(),
		Result:     string(a.Result),
		Error:      a.Error,
		At:         a.At,
	}
}

type recurringResponse struct {
	ID          string          `json:"id"`
	QueueID     string          `json:"queue_id"`
	Name        string          `json:"name"`
	Rule        string          `json:"rule"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ContentType string          `json:"content_type"`
	NextRun     time.Time       `json:"next_run"`
	CreatedAt   time.Time       `json:"created_at"`
}

func toRecurringResponse(d *jobstore.RecurringDefinition) recurringResponse {
	resp := recurringResponse{
		ID:          d.ID,
		QueueID:     d.QueueID,
		Name:        d.Name,
		Rule:        d.Rule,
		ContentType: d.ContentType,
		NextRun:     d.NextRun,
		CreatedAt:   d.CreatedAt,
	}
	if json.Valid(d.Payload) {
		resp.Payload = json.RawMessage(d.Payload)
	}
	return resp
}
