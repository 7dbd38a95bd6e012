package coordinator

import (
	"context"
	"time"

	"github.com/filthyrake/vlog-coordinator/internal/models"
	"github.com/google/uuid"
)

// Repository is the Postgres job record store. Every multi-field transition
// described by the lease protocol runs as a single transaction inside the
// implementation; callers never see intermediate states.
type Repository interface {
	CreateJob(ctx context.Context, videoID uuid.UUID, units []models.UnitInput, maxAttempts int) (*models.TranscodeJob, error)

	// ClaimJob atomically leases one eligible unclaimed job to the worker.
	// Returns (nil, nil) when no candidate row exists.
	ClaimJob(ctx context.Context, worker *models.Worker, leaseDuration time.Duration) (*models.JobGrant, error)

	// ExtendAndReport verifies ownership and lease validity, records the
	// checkpoint, extends the lease and upserts unit progress. Returns the
	// updated job for event publication.
	ExtendAndReport(ctx context.Context, workerID, jobID uuid.UUID, phase models.JobPhase, percent float64, updates []models.UnitUpdate, leaseDuration time.Duration) (*models.TranscodeJob, error)

	CompleteJob(ctx context.Context, workerID, jobID uuid.UUID, unitResults []models.UnitUpdate) (*models.TranscodeJob, error)

	// FailJob increments the attempt counter and either releases the lease
	// for a retry or marks the video permanently failed. Lease fields are
	// retained on terminal failure for audit.
	FailJob(ctx context.Context, workerID, jobID uuid.UUID, errMsg string, retryable, preserveCompletedUnits bool) (*models.TranscodeJob, error)

	GetJobByID(ctx context.Context, jobID uuid.UUID) (*models.TranscodeJob, error)
	GetJobUnits(ctx context.Context, jobID uuid.UUID) ([]*models.JobUnit, error)

	RegisterWorker(ctx context.Context, input *models.WorkerRegisterInput) (*models.Worker, error)
	GetWorkerByID(ctx context.Context, workerID uuid.UUID) (*models.Worker, error)
	RecordHeartbeat(ctx context.Context, input *models.HeartbeatInput) error
	ListWorkers(ctx context.Context) ([]*models.Worker, error)

	// LatestHeartbeatByClass returns the most recent heartbeat among
	// non-disabled workers of the class, or nil when none ever heartbeated.
	LatestHeartbeatByClass(ctx context.Context, class models.WorkerClass) (*time.Time, error)

	// MarkStaleWorkersOffline conditionally flips workers past the threshold
	// to offline; a concurrent heartbeat wins the race and the worker is
	// excluded from the returned ids.
	MarkStaleWorkersOffline(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error)

	// ReclaimExpiredLeases releases jobs whose holder is offline and whose
	// lease has expired. The attempt counter is untouched on this path.
	ReclaimExpiredLeases(ctx context.Context) ([]*models.TranscodeJob, error)
}
