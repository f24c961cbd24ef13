// Package api exposes the broker's management surface over HTTP.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shovehq/shove/pkg/health"
	"github.com/shovehq/shove/pkg/jobstore"
	"github.com/shovehq/shove/pkg/observability/logger"
	"github.com/shovehq/shove/pkg/queue"
)

// Waker nudges the scheduler after an enqueue so due jobs are picked up
// without waiting for the next poll.
type Waker interface {
	Wake()
}

// Deps carries the broker components the API serves.
type Deps struct {
	Store    jobstore.FullStore
	Registry queue.Registry
	Health   *health.Registry
	Waker    Waker
	Logger   logger.Logger

	// APIKeys guards /v1 routes when non-empty.
	APIKeys []string
	// MaxRequestSize bounds request bodies; 0 disables the limit.
	MaxRequestSize int64
}

type handler struct {
	store    jobstore.FullStore
	registry queue.Registry
	health   *health.Registry
	waker    Waker
	log      logger.Logger
}

// NewRouter builds the gin engine with all broker routes registered.
func NewRouter(deps Deps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}
	h := &handler{
		store:    deps.Store,
		registry: deps.Registry,
		health:   deps.Health,
		waker:    deps.Waker,
		log:      log,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))
	engine.Use(requestMetrics())
	if deps.MaxRequestSize > 0 {
		engine.Use(limitBody(deps.MaxRequestSize))
	}

	engine.GET("/healthz", h.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	if len(deps.APIKeys) > 0 {
		v1.Use(apiKeyAuth(deps.APIKeys))
	}

	v1.POST("/queues", h.createQueue)
	v1.GET("/queues", h.listQueues)
	v1.GET("/queues/:id", h.getQueue)
	v1.DELETE("/queues/:id", h.removeQueue)

	v1.POST("/queues/:id/workers", h.addWorker)
	v1.GET("/queues/:id/workers", h.listWorkers)
	v1.POST("/workers/:id/disable", h.disableWorker)
	v1.DELETE("/workers/:id", h.removeWorker)

	v1.POST("/queues/:id/jobs", h.enqueueJob)
	v1.GET("/queues/:id/jobs", h.listJobs)
	v1.GET("/jobs/:id", h.getJob)
	v1.GET("/jobs/:id/attempts", h.listAttempts)
	v1.DELETE("/jobs/:id", h.cancelJob)
	v1.POST("/jobs/:id/replay", h.replayJob)

	v1.POST("/queues/:id/recurring", h.createRecurring)
	v1.GET("/queues/:id/recurring", h.listRecurring)
	v1.GET("/recurring/:id", h.getRecurring)
	v1.DELETE("/recurring/:id", h.deleteRecurring)

	return engine
}

func (h *handler) healthz(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
		return
	}
	summary := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if !summary.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, summary)
}

func (h *handler) wake() {
	if h.waker != nil {
		h.waker.Wake()
	}
}
