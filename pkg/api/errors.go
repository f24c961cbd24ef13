package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/queue"
	"github.com/shovehq/shove/pkg/recurrence"
)

// ErrorResponse is the error body every failed request returns.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func errorBody(category, message string) ErrorResponse {
	return ErrorResponse{Error: category, Message: message}
}

// mapError converts package sentinel errors to HTTP status and body.
func mapError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, jobstore.ErrNotFound):
		return http.StatusNotFound, errorBody("not_found", err.Error())
	case errors.Is(err, queue.ErrDuplicateName):
		return http.StatusConflict, errorBody("conflict", err.Error())
	case errors.Is(err, queue.ErrNonEmptyQueue):
		return http.StatusConflict, errorBody("conflict", err.Error())
	case errors.Is(err, jobstore.ErrConflict):
		return http.StatusConflict, errorBody("conflict", err.Error())
	case errors.Is(err, queue.ErrValidation), errors.Is(err, queue.ErrInvalidURL),
		errors.Is(err, jobstore.ErrValidation), errors.Is(err, recurrence.ErrInvalidRule):
		return http.StatusBadRequest, errorBody("validation_error", err.Error())
	case errors.Is(err, queue.ErrRetryable), errors.Is(err, jobstore.ErrRetryable):
		return http.StatusServiceUnavailable, errorBody("unavailable", "backend temporarily unavailable")
	default:
		return http.StatusInternalServerError, errorBody("internal_server_error", "an unexpected error occurred")
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, body)
}
