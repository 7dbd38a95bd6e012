package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/filthyrake/vlog-coordinator/internal/config"
	"github.com/filthyrake/vlog-coordinator/internal/coordinator"
	"github.com/filthyrake/vlog-coordinator/internal/models"
	"github.com/filthyrake/vlog-coordinator/pkg/logger"
	"github.com/filthyrake/vlog-coordinator/pkg/utils"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/pkg/errors"
)

const (
	txRetryAttempts = 3
	txRetryBaseWait = 50 * time.Millisecond
)

type coordUC struct {
	cfg      *config.Config
	repo     coordinator.Repository
	dispatch coordinator.Dispatch
	logger   logger.Logger
}

func NewCoordUseCase(
	cfg *config.Config,
	repo coordinator.Repository,
	dispatch coordinator.Dispatch,
	log logger.Logger,
) coordinator.UseCase {
	return &coordUC{
		cfg:      cfg,
		repo:     repo,
		dispatch: dispatch,
		logger:   log,
	}
}

// isTransient reports whether the store error is a serialization or deadlock
// failure that the caller may simply retry.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// withTxRetry retries transient store failures with bounded backoff. These
// are not job failures and must never surface as one.
func (u *coordUC) withTxRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= txRetryAttempts; attempt++ {
		if err = fn(); err == nil || !isTransient(err) {
			return err
		}
		u.logger.Warnf("%s - transient store error (attempt %d/%d): %v", op, attempt, txRetryAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * txRetryBaseWait):
		}
	}
	return fmt.Errorf("%s: store contention, try again: %w", op, err)
}

func (u *coordUC) CreateJob(ctx context.Context, input *models.JobCreateInput) (*models.TranscodeJob, error) {
	if err := utils.ValidateStruct(ctx, input); err != nil {
		u.logger.Errorf("CreateJob - ValidateStruct error: %v", err)
		return nil, fmt.Errorf("invalid input: %v", err)
	}
	maxAttempts := input.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = u.cfg.Coordinator.MaxAttempts
	}
	var job *models.TranscodeJob
	err := u.withTxRetry(ctx, "CreateJob", func() error {
		var err error
		job, err = u.repo.CreateJob(ctx, input.VideoID, input.Units, maxAttempts)
		return err
	})
	if err != nil {
		u.logger.Errorf("CreateJob - repo error: %v", err)
		return nil, err
	}
	// Hint only; workers discover the job by polling regardless.
	_ = u.dispatch.AnnounceJob(ctx, &models.JobAnnouncement{JobID: job.JobID, VideoID: job.VideoID})
	return job, nil
}

func (u *coordUC) Claim(ctx context.Context, workerID uuid.UUID) (*models.JobGrant, error) {
	worker, err := u.repo.GetWorkerByID(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if worker.Status == models.WorkerStatusDisabled {
		return nil, coordinator.ErrWorkerDisabled
	}

	if worker.Class == models.WorkerClassCPU {
		deferToGPU, err := u.shouldDeferToGPU(ctx)
		if err != nil {
			return nil, err
		}
		if deferToGPU {
			u.logger.Debugf("Claim - cpu worker %s defers to a live gpu worker", workerID)
			return nil, coordinator.ErrNoJobAvailable
		}
	}

	var grant *models.JobGrant
	err = u.withTxRetry(ctx, "Claim", func() error {
		var err error
		grant, err = u.repo.ClaimJob(ctx, worker, u.cfg.Coordinator.LeaseDuration)
		return err
	})
	if err != nil {
		u.logger.Errorf("Claim - repo error: %v", err)
		return nil, err
	}
	if grant == nil {
		return nil, coordinator.ErrNoJobAvailable
	}
	u.logger.Infof("Claim - job %s leased to worker %s (attempt %d)", grant.Job.JobID, workerID, grant.Job.AttemptNumber)
	return grant, nil
}

// shouldDeferToGPU implements the starvation-avoidance rule: a CPU worker
// steps aside only while some GPU worker heartbeated within the deferral
// window, which bounds CPU starvation to that window.
func (u *coordUC) shouldDeferToGPU(ctx context.Context) (bool, error) {
	latest, err := u.repo.LatestHeartbeatByClass(ctx, models.WorkerClassGPU)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return false, nil
	}
	return time.Since(*latest) < u.cfg.Coordinator.GPUDeferralWindow, nil
}

func (u *coordUC) ExtendAndReport(ctx context.Context, workerID, jobID uuid.UUID, phase models.JobPhase, percent float64, updates []models.UnitUpdate) error {
	if !phase.Valid() {
		return fmt.Errorf("invalid phase %q", phase)
	}
	for _, up := range updates {
		if !up.Status.Valid() {
			return fmt.Errorf("invalid unit status %q", up.Status)
		}
	}
	var job *models.TranscodeJob
	err := u.withTxRetry(ctx, "ExtendAndReport", func() error {
		var err error
		job, err = u.repo.ExtendAndReport(ctx, workerID, jobID, phase, percent, updates, u.cfg.Coordinator.LeaseDuration)
		return err
	})
	if err != nil {
		return err
	}
	u.publishProgress(ctx, job, updates)
	return nil
}

func (u *coordUC) Complete(ctx context.Context, workerID, jobID uuid.UUID, unitResults []models.UnitUpdate) error {
	var job *models.TranscodeJob
	err := u.withTxRetry(ctx, "Complete", func() error {
		var err error
		job, err = u.repo.CompleteJob(ctx, workerID, jobID, unitResults)
		return err
	})
	if err != nil {
		return err
	}
	u.logger.Infof("Complete - job %s finished by worker %s", jobID, workerID)
	u.publishProgress(ctx, job, unitResults)
	return nil
}

func (u *coordUC) Fail(ctx context.Context, workerID, jobID uuid.UUID, errMsg string, retryable bool) error {
	var job *models.TranscodeJob
	err := u.withTxRetry(ctx, "Fail", func() error {
		var err error
		job, err = u.repo.FailJob(ctx, workerID, jobID, errMsg, retryable, u.cfg.Coordinator.PreserveCompletedUnits)
		return err
	})
	if err != nil {
		return err
	}

	if models.DeriveJobState(job, time.Now()) == models.JobStateFailedPermanent {
		u.logger.Errorf("Fail - job %s permanently failed at attempt %d: %s", jobID, job.AttemptNumber, errMsg)
		// Fire-and-forget: alerting must never hold up the failure path.
		lastError := ""
		if job.LastError != nil {
			lastError = *job.LastError
		}
		_ = u.dispatch.PublishAlert(ctx, &models.FailureAlert{
			JobID:     job.JobID,
			VideoID:   job.VideoID,
			Attempts:  job.AttemptNumber,
			LastError: lastError,
			Timestamp: time.Now(),
		})
	} else {
		u.logger.Warnf("Fail - job %s released for retry (attempt %d/%d): %s", jobID, job.AttemptNumber, job.MaxAttempts, errMsg)
		_ = u.dispatch.AnnounceJob(ctx, &models.JobAnnouncement{JobID: job.JobID, VideoID: job.VideoID})
	}
	u.publishProgress(ctx, job, nil)
	return nil
}

func (u *coordUC) publishProgress(ctx context.Context, job *models.TranscodeJob, updates []models.UnitUpdate) {
	event := &models.ProgressEvent{
		JobID:     job.JobID,
		VideoID:   job.VideoID,
		Phase:     job.CurrentPhase,
		Percent:   job.ProgressPercent,
		Timestamp: time.Now(),
	}
	if len(updates) > 0 {
		event.UnitStatuses = make(map[string]models.UnitStatus, len(updates))
		for _, up := range updates {
			event.UnitStatuses[up.UnitName] = up.Status
		}
	}
	_ = u.dispatch.PublishProgress(ctx, event)
}

func (u *coordUC) RegisterWorker(ctx context.Context, input *models.WorkerRegisterInput) (*models.Worker, error) {
	if err := utils.ValidateStruct(ctx, input); err != nil {
		u.logger.Errorf("RegisterWorker - ValidateStruct error: %v", err)
		return nil, fmt.Errorf("invalid input: %v", err)
	}
	if !input.Class.Valid() {
		return nil, fmt.Errorf("invalid worker class %q", input.Class)
	}
	worker, err := u.repo.RegisterWorker(ctx, input)
	if err != nil {
		u.logger.Errorf("RegisterWorker - repo error: %v", err)
		return nil, err
	}
	u.logger.Infof("RegisterWorker - %s (%s, %s)", worker.WorkerID, worker.DisplayName, worker.Class)
	return worker, nil
}

func (u *coordUC) Heartbeat(ctx context.Context, input *models.HeartbeatInput) error {
	if err := utils.ValidateStruct(ctx, input); err != nil {
		return fmt.Errorf("invalid input: %v", err)
	}
	switch input.Status {
	case models.WorkerStatusActive, models.WorkerStatusIdle, models.WorkerStatusBusy:
	default:
		return fmt.Errorf("invalid heartbeat status %q", input.Status)
	}
	return u.repo.RecordHeartbeat(ctx, input)
}

func (u *coordUC) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	return u.repo.ListWorkers(ctx)
}

func (u *coordUC) GetJobState(ctx context.Context, jobID uuid.UUID) (*coordinator.JobStateView, error) {
	job, err := u.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	units, err := u.repo.GetJobUnits(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &coordinator.JobStateView{
		Job:   job,
		State: models.DeriveJobState(job, time.Now()),
		Units: units,
	}, nil
}
