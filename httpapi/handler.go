// Package httpapi exposes the coordinator over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vinayprograms/taskmesh/jobs"
	"github.com/vinayprograms/taskmesh/logging"
	"github.com/vinayprograms/taskmesh/registry"
	"github.com/vinayprograms/taskmesh/tasks"
)

// Submitter accepts tasks. *dispatch.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, task tasks.Task) (*jobs.Job, error)
}

// Directory lists live agents. *registry.Registry satisfies it.
type Directory interface {
	ListActive(ttl time.Duration) []registry.AgentEntry
	RequestRefresh() error
}

// JobReader reads job records. Every jobs.Store satisfies it.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	ListJobs(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error)
}

// Handler handles HTTP requests.
type Handler struct {
	dispatcher Submitter
	agents     Directory
	jobs       JobReader
	version    string
	log        *logging.Logger
}

// NewHandler creates a new handler.
func NewHandler(dispatcher Submitter, agents Directory, jobStore JobReader, version string, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{
		dispatcher: dispatcher,
		agents:     agents,
		jobs:       jobStore,
		version:    version,
		log:        logger.WithComponent("http"),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/tasks", h.SubmitTask, middleware.BodyLimit(maxTaskBody))

	e.GET("/jobs", h.ListJobs)
	e.GET("/jobs/:id", h.GetJob)

	e.GET("/tools", h.ListTools)
	e.GET("/agents", h.ListAgents)
	e.POST("/agents/refresh", h.RefreshAgents)

	e.GET("/healthz", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": h.version,
		"agents":  len(h.agents.ListActive(0)),
	})
}
