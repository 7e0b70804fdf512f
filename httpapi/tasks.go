package httpapi

import (
	stderrors "errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vinayprograms/taskmesh/errors"
	"github.com/vinayprograms/taskmesh/jobs"
	"github.com/vinayprograms/taskmesh/tasks"
)

// maxTaskBody bounds a submission body. Larger bodies get 413.
const maxTaskBody = "1M"

// SubmitResponse is returned for an accepted task.
type SubmitResponse struct {
	Status string    `json:"status"`
	TaskID string    `json:"taskId"`
	Job    *jobs.Job `json:"job"`
}

// SubmitTask persists and dispatches a task.
// POST /tasks
func (h *Handler) SubmitTask(c echo.Context) error {
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if stderrors.As(err, &he) {
			return he
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	task, err := tasks.DecodeTask(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": errorBody(err)})
	}

	job, err := h.dispatcher.Submit(ctx, task)
	if err != nil {
		return h.submitError(c, job, err)
	}

	return c.JSON(http.StatusAccepted, SubmitResponse{
		Status: "queued",
		TaskID: job.ID,
		Job:    job,
	})
}

// submitError maps Submit failures onto status codes. A transport
// failure still names the persisted job so the caller can poll it.
func (h *Handler) submitError(c echo.Context, job *jobs.Job, err error) error {
	status := http.StatusInternalServerError
	switch errors.Code(err) {
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	body := map[string]interface{}{"error": errorBody(err)}
	if job != nil {
		body["jobId"] = job.ID
		body["job"] = job
	}

	if status >= http.StatusInternalServerError {
		h.log.Error("submit_failed", map[string]interface{}{
			"code":  string(errors.Code(err)),
			"error": err.Error(),
		})
	}
	return c.JSON(status, body)
}

// errorBody renders structured errors as JSON objects and anything else
// through Wrap.
func errorBody(err error) *errors.Error {
	if e := errors.As(err); e != nil {
		return e
	}
	return errors.Wrap(err, "internal error")
}
