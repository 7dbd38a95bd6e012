package coordinator

import (
	"context"

	"github.com/filthyrake/vlog-coordinator/internal/models"
	"github.com/google/uuid"
)

// JobStateView is the externally queryable snapshot of a job: its columns,
// the derived lifecycle state and the per-unit progress rows.
type JobStateView struct {
	Job   *models.TranscodeJob `json:"job"`
	State models.JobState      `json:"state"`
	Units []*models.JobUnit    `json:"units"`
}

type UseCase interface {
	CreateJob(ctx context.Context, input *models.JobCreateInput) (*models.TranscodeJob, error)

	// Claim leases one unclaimed job to the worker, subject to the
	// GPU-priority deferral rule for CPU-class workers. Returns
	// ErrNoJobAvailable when nothing is claimable (or the worker defers).
	Claim(ctx context.Context, workerID uuid.UUID) (*models.JobGrant, error)

	ExtendAndReport(ctx context.Context, workerID, jobID uuid.UUID, phase models.JobPhase, percent float64, updates []models.UnitUpdate) error
	Complete(ctx context.Context, workerID, jobID uuid.UUID, unitResults []models.UnitUpdate) error
	Fail(ctx context.Context, workerID, jobID uuid.UUID, errMsg string, retryable bool) error

	RegisterWorker(ctx context.Context, input *models.WorkerRegisterInput) (*models.Worker, error)
	Heartbeat(ctx context.Context, input *models.HeartbeatInput) error
	ListWorkers(ctx context.Context) ([]*models.Worker, error)
	GetJobState(ctx context.Context, jobID uuid.UUID) (*JobStateView, error)
}
