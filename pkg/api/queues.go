package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/shovehq/shove/pkg/queue"
)

type createQueueRequest struct {
	Name          string `json:"name" binding:"required"`
	Type          string `json:"type" binding:"required"`
	SigningSecret string `json:"signing_secret"`
	MaxAttempts   int    `json:"max_attempts"`
}

func (h *handler) createQueue(c *gin.Context) {
	var req createQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("validation_error", err.Error()))
		return
	}
	queueType, err := queue.ParseType(req.Type)
	if err != nil {
		h.fail(c, err)
		return
	}

	q, err := h.registry.CreateQueue(c.Request.Context(), req.Name, queueType, queue.CreateQueueOptions{
		SigningSecret: req.SigningSecret,
		MaxAttempts:   req.MaxAttempts,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("queue created", "queue_id", q.ID, "name", q.Name, "type", q.Type)
	c.JSON(http.StatusCreated, toQueueResponse(q, true))
}

func (h *handler) listQueues(c *gin.Context) {
	queues, err := h.registry.ListQueues(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]queueResponse, 0, len(queues))
	for _, q := range queues {
		resp = append(resp, toQueueResponse(q, false))
	}
	c.JSON(http.StatusOK, gin.H{"queues": resp})
}

func (h *handler) getQueue(c *gin.Context) {
	q, err := h.registry.GetQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toQueueResponse(q, false))
}

func (h *handler) removeQueue(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	queueID := c.Param("id")
	if err := h.registry.RemoveQueue(c.Request.Context(), queueID, force); err != nil {
		h.fail(c, err)
		return
	}
	purged := 0
	if force {
		// the registry entry is gone; orphaned jobs are swept here
		n, err := h.store.PurgeQueue(c.Request.Context(), queueID)
		if err != nil {
			h.log.Warn("purge after forced queue removal failed", "queue_id", queueID, "error", err)
		}
		purged = n
	}
	h.log.Info("queue removed", "queue_id", queueID, "force", force, "purged_jobs", purged)
	c.Status(http.StatusNoContent)
}

type addWorkerRequest struct {
	URL           string `json:"url" binding:"required"`
	SigningSecret string `json:"signing_secret"`
}

func (h *handler) addWorker(c *gin.Context) {
	var req addWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("validation_error", err.Error()))
		return
	}
	w, err := h.registry.AddWorker(c.Request.Context(), c.Param("id"), req.URL, queue.AddWorkerOptions{
		SigningSecret: req.SigningSecret,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("worker registered", "worker_id", w.ID, "queue_id", w.QueueID)
	c.JSON(http.StatusCreated, toWorkerResponse(w))
}

func (h *handler) listWorkers(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.Query("active"))
	workers, err := h.registry.ListWorkers(c.Request.Context(), c.Param("id"), activeOnly)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]workerResponse, 0, len(workers))
	for _, w := range workers {
		resp = append(resp, toWorkerResponse(w))
	}
	c.JSON(http.StatusOK, gin.H{"workers": resp})
}

func (h *handler) disableWorker(c *gin.Context) {
	if err := h.registry.DisableWorker(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) removeWorker(c *gin.Context) {
	if err := h.registry.RemoveWorker(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
