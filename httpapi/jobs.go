package httpapi

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/vinayprograms/taskmesh/jobs"
)

// maxListLimit caps GET /jobs.
const maxListLimit = 500

// GetJob returns one job.
// GET /jobs/:id
func (h *Handler) GetJob(c echo.Context) error {
	ctx := c.Request().Context()

	job, err := h.jobs.GetJob(ctx, c.Param("id"))
	if stderrors.Is(err, jobs.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	if err != nil {
		h.log.Error("get_job_failed", map[string]interface{}{"error": err.Error()})
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
	}

	return c.JSON(http.StatusOK, job)
}

// ListJobs lists jobs newest first, filtered by status and type.
// GET /jobs?status=&type=&limit=
func (h *Handler) ListJobs(c echo.Context) error {
	ctx := c.Request().Context()

	f := jobs.Filter{
		Status: jobs.Status(c.QueryParam("status")),
		Type:   c.QueryParam("type"),
		Limit:  100,
	}
	if f.Status != "" && !f.Status.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown status"})
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		f.Limit = n
	}

	list, err := h.jobs.ListJobs(ctx, f)
	if err != nil {
		h.log.Error("list_jobs_failed", map[string]interface{}{"error": err.Error()})
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list jobs"})
	}
	if list == nil {
		list = []*jobs.Job{}
	}

	return c.JSON(http.StatusOK, list)
}
