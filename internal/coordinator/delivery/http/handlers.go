package http

import (
	"net/http"

	"github.com/filthyrake/vlog-coordinator/internal/coordinator"
	"github.com/filthyrake/vlog-coordinator/internal/models"
	"github.com/filthyrake/vlog-coordinator/pkg/logger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

type coordHandler struct {
	coordUC coordinator.UseCase
	logger  logger.Logger
}

func NewCoordHandler(coordUC coordinator.UseCase, log logger.Logger) coordinator.Handlers {
	return &coordHandler{
		coordUC: coordUC,
		logger:  log,
	}
}

// Ownership and precondition failures are explicit result variants for the
// worker to branch on, not opaque 500s.
func statusFromErr(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrLeaseExpired):
		return http.StatusConflict, "lease_expired"
	case errors.Is(err, coordinator.ErrNotOwner):
		return http.StatusConflict, "not_owner"
	case errors.Is(err, coordinator.ErrAlreadyCompleted):
		return http.StatusConflict, "already_completed"
	case errors.Is(err, coordinator.ErrJobAlreadyQueued):
		return http.StatusConflict, "job_already_queued"
	case errors.Is(err, coordinator.ErrWorkerDisabled):
		return http.StatusForbidden, "worker_disabled"
	case errors.Is(err, coordinator.ErrWorkerNotFound):
		return http.StatusNotFound, "worker_not_found"
	case errors.Is(err, coordinator.ErrJobNotFound):
		return http.StatusNotFound, "job_not_found"
	default:
		return http.StatusBadRequest, "bad_request"
	}
}

func errJSON(c echo.Context, err error) error {
	status, code := statusFromErr(err)
	return c.JSON(status, map[string]string{"code": code, "error": err.Error()})
}

func (h *coordHandler) CreateJob() echo.HandlerFunc {
	return func(c echo.Context) error {
		input := &models.JobCreateInput{}
		if err := c.Bind(input); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		}
		job, err := h.coordUC.CreateJob(c.Request().Context(), input)
		if err != nil {
			return errJSON(c, err)
		}
		return c.JSON(http.StatusCreated, job)
	}
}

type claimRequest struct {
	WorkerID uuid.UUID `json:"worker_id"`
}

func (h *coordHandler) ClaimJob() echo.HandlerFunc {
	return func(c echo.Context) error {
		input := &claimRequest{}
		if err := c.Bind(input); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		}
		grant, err := h.coordUC.Claim(c.Request().Context(), input.WorkerID)
		if err != nil {
			if errors.Is(err, coordinator.ErrNoJobAvailable) {
				return c.NoContent(http.StatusNoContent)
			}
			return errJSON(c, err)
		}
		return c.JSON(http.StatusOK, grant)
	}
}

type progressRequest struct {
	WorkerID uuid.UUID           `json:"worker_id"`
	Phase    models.JobPhase     `json:"phase"`
	Percent  float64             `json:"percent"`
	Units    []models.UnitUpdate `json:"units"`
}

func (h *coordHandler) ReportProgress() echo.HandlerFunc {
	return func(c echo.Context) error {
		jobID, err := uuid.Parse(c.Param("job_id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid job id"})
		}
		input := &progressRequest{}
		if err := c.Bind(input); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		}
		if err := h.coordUC.ExtendAndReport(c.Request().Context(), input.WorkerID, jobID, input.Phase, input.Percent, input.Units); err != nil {
			return errJSON(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "extended"})
	}
}

type completeRequest struct {
	WorkerID uuid.UUID           `json:"worker_id"`
	Units    []models.UnitUpdate `json:"units"`
}

func (h *coordHandler) CompleteJob() echo.HandlerFunc {
	return func(c echo.Context) error {
		jobID, err := uuid.Parse(c.Param("job_id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid job id"})
		}
		input := &completeRequest{}
		if err := c.Bind(input); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		}
		if err := h.coordUC.Complete(c.Request().Context(), input.WorkerID, jobID, input.Units); err != nil {
			return errJSON(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "completed"})
	}
}

type failRequest struct {
	WorkerID  uuid.UUID `json:"worker_id"`
	Error     string    `json:"error"`
	Retryable bool      `json:"retryable"`
}

func (h *coordHandler) FailJob() echo.HandlerFunc {
	return func(c echo.Context) error {
		jobID, err := uuid.Parse(c.Param("job_id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid job id"})
		}
		input := &failRequest{}
		if err := c.Bind(input); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		}
		if err := h.coordUC.Fail(c.Request().Context(), input.WorkerID, jobID, input.Error, input.Retryable); err != nil {
			return errJSON(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "failed"})
	}
}

func (h *coordHandler) GetJobState() echo.HandlerFunc {
	return func(c echo.Context) error {
		jobID, err := uuid.Parse(c.Param("job_id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid job id"})
		}
		view, err := h.coordUC.GetJobState(c.Request().Context(), jobID)
		if err != nil {
			return errJSON(c, err)
		}
		return c.JSON(http.StatusOK, view)
	}
}

func (h *coordHandler) RegisterWorker() echo.HandlerFunc {
	return func(c echo.Context) error {
		input := &models.WorkerRegisterInput{}
		if err := c.Bind(input); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		}
		worker, err := h.coordUC.RegisterWorker(c.Request().Context(), input)
		if err != nil {
			return errJSON(c, err)
		}
		return c.JSON(http.StatusOK, worker)
	}
}

func (h *coordHandler) Heartbeat() echo.HandlerFunc {
	return func(c echo.Context) error {
		workerID, err := uuid.Parse(c.Param("worker_id"))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid worker id"})
		}
		input := &models.HeartbeatInput{}
		if err := c.Bind(input); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request payload"})
		}
		input.WorkerID = workerID
		if err := h.coordUC.Heartbeat(c.Request().Context(), input); err != nil {
			return errJSON(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (h *coordHandler) ListWorkers() echo.HandlerFunc {
	return func(c echo.Context) error {
		workers, err := h.coordUC.ListWorkers(c.Request().Context())
		if err != nil {
			return errJSON(c, err)
		}
		return c.JSON(http.StatusOK, workers)
	}
}
