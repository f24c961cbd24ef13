package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shovehq/shove/pkg/jobstore"
)

const defaultListLimit = 100

type enqueueJobRequest struct {
	Payload json.RawMessage `json:"payload"`
	// PayloadBase64 carries payloads that are not valid JSON.
	PayloadBase64 string `json:"payload_base64"`
	ContentType   string `json:"content_type"`
	// Delay postpones availability relative to now, e.g. "30s".
	Delay string `json:"delay"`
	// AvailableAt postpones availability to an absolute instant. Delay
	// takes precedence when both are set.
	AvailableAt *time.Time `json:"available_at"`
	MaxAttempts int        `json:"max_attempts"`
}

func (r *enqueueJobRequest) payloadBytes() ([]byte, error) {
	if r.PayloadBase64 != "" {
		return base64.StdEncoding.DecodeString(r.PayloadBase64)
	}
	return []byte(r.Payload), nil
}

func (h *handler) enqueueJob(c *gin.Context) {
	var req enqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("validation_error", err.Error()))
		return
	}

	payload, err := req.payloadBytes()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody("validation_error", "payload_base64 is not valid base64"))
		return
	}

	availableAt := time.Time{}
	if req.AvailableAt != nil {
		availableAt = req.AvailableAt.UTC()
	}
	if req.Delay != "" {
		delay, err := time.ParseDuration(req.Delay)
		if err != nil || delay < 0 {
			c.JSON(http.StatusBadRequest, errorBody("validation_error", "delay must be a non-negative duration"))
			return
		}
		availableAt = time.Now().UTC().Add(delay)
	}

	// Reject enqueues to unknown queues before touching the store.
	q, err := h.registry.GetQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	job := &jobstore.Job{
		QueueID:     q.ID,
		Payload:     payload,
		ContentType: req.ContentType,
		AvailableAt: availableAt,
		MaxAttempts: req.MaxAttempts,
	}
	if err := h.store.Enqueue(c.Request.Context(), job); err != nil {
		h.fail(c, err)
		return
	}
	h.wake()

	h.log.Info("job enqueued", "job_id", job.ID, "queue_id", q.ID)
	c.JSON(http.StatusCreated, toJobResponse(job))
}

func (h *handler) listJobs(c *gin.Context) {
	state := jobstore.State(c.Query("state"))
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, errorBody("validation_error", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	jobs, err := h.store.ListByQueue(c.Request.Context(), c.Param("id"), state, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, toJobResponse(j))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": resp})
}

func (h *handler) getJob(c *gin.Context) {
	job, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (h *handler) listAttempts(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := h.store.Get(c.Request.Context(), jobID); err != nil {
		h.fail(c, err)
		return
	}
	attempts, err := h.store.ListAttempts(c.Request.Context(), jobID)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		resp = append(resp, toAttemptResponse(a))
	}
	c.JSON(http.StatusOK, gin.H{"attempts": resp})
}

func (h *handler) cancelJob(c *gin.Context) {
	if err := h.store.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("job cancelled", "job_id", c.Param("id"))
	c.Status(http.StatusAccepted)
}

func (h *handler) replayJob(c *gin.Context) {
	job, err := h.store.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.wake()

	h.log.Info("job replayed", "job_id", job.ID, "queue_id", job.QueueID)
	c.JSON(http.StatusOK, toJobResponse(job))
}
