package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/recurrence"
)

type createRecurringRequest struct {
	Name          string          `json:"name"`
	Rule          string          `json:"rule" binding:"required"`
	Payload       json.RawMessage `json:"payload"`
	PayloadBase64 string          `json:"payload_base64"`
	ContentType   string          `json:"content_type"`
}

func (h *handler) createRecurring(c *gin.Context) {
	var req createRecurringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody("validation_error", err.Error()))
		return
	}

	payload := []byte(req.Payload)
	if req.PayloadBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("validation_error", "payload_base64 is not valid base64"))
			return
		}
		payload = decoded
	}

	schedule, err := recurrence.ParseRule(req.Rule)
	if err != nil {
		h.fail(c, err)
		return
	}

	q, err := h.registry.GetQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	def := &jobstore.RecurringDefinition{
		QueueID:     q.ID,
		Name:        req.Name,
		Rule:        req.Rule,
		Payload:     payload,
		ContentType: req.ContentType,
		NextRun:     schedule.Next(time.Now().UTC()),
	}
	if err := h.store.CreateRecurring(c.Request.Context(), def); err != nil {
		h.fail(c, err)
		return
	}

	created, err := h.store.GetRecurring(c.Request.Context(), def.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("recurring definition created", "recurrence_id", created.ID, "queue_id", q.ID, "rule", created.Rule)
	c.JSON(http.StatusCreated, toRecurringResponse(created))
}

func (h *handler) listRecurring(c *gin.Context) {
	defs, err := h.store.ListRecurring(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := make([]recurringResponse, 0, len(defs))
	for _, def := range defs {
		resp = append(resp, toRecurringResponse(def))
	}
	c.JSON(http.StatusOK, gin.H{"recurring": resp})
}

func (h *handler) getRecurring(c *gin.Context) {
	def, err := h.store.GetRecurring(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toRecurringResponse(def))
}

func (h *handler) deleteRecurring(c *gin.Context) {
	if err := h.store.DeleteRecurring(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("recurring definition deleted", "recurrence_id", c.Param("id"))
	c.Status(http.StatusNoContent)
}
