package worker

import (
	"context"
	"sync"
	"time"

	"github.com/filthyrake/vlog-coordinator/internal/config"
	"github.com/filthyrake/vlog-coordinator/internal/coordinator"
	"github.com/filthyrake/vlog-coordinator/internal/models"
	"github.com/filthyrake/vlog-coordinator/pkg/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Agent is a long-lived worker process: it registers itself, heartbeats on a
// fixed interval and loops claiming and executing jobs. All coordination
// goes through the shared store; the accelerator only shortens the wait for
// an unclaimed job.
type Agent struct {
	cfg      *config.Config
	coordUC  coordinator.UseCase
	dispatch coordinator.Dispatch
	executor Executor
	logger   logger.Logger

	workerID uuid.UUID

	mu      sync.Mutex
	busy    bool
	percent float64
	phase   models.JobPhase
	units   map[string]models.UnitUpdate
}

func NewAgent(cfg *config.Config, coordUC coordinator.UseCase, dispatch coordinator.Dispatch, executor Executor, log logger.Logger) (*Agent, error) {
	workerID, err := uuid.Parse(cfg.Worker.WorkerID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid worker id")
	}
	return &Agent{
		cfg:      cfg,
		coordUC:  coordUC,
		dispatch: dispatch,
		executor: executor,
		logger:   log,
		workerID: workerID,
	}, nil
}

// Run blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if _, err := a.coordUC.RegisterWorker(ctx, &models.WorkerRegisterInput{
		WorkerID:    a.workerID,
		DisplayName: a.cfg.Worker.DisplayName,
		Class:       models.WorkerClass(a.cfg.Worker.Class),
	}); err != nil {
		return errors.Wrap(err, "failed to register worker")
	}
	a.logger.Infof("worker %s registered (%s)", a.workerID, a.cfg.Worker.Class)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()

	a.jobLoop(ctx)
	wg.Wait()
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Coordinator.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := models.WorkerStatusIdle
			a.mu.Lock()
			if a.busy {
				status = models.WorkerStatusBusy
			}
			a.mu.Unlock()
			if err := a.coordUC.Heartbeat(ctx, &models.HeartbeatInput{
				WorkerID: a.workerID,
				Status:   status,
			}); err != nil {
				a.logger.Warnf("heartbeat failed: %v", err)
			}
		}
	}
}

func (a *Agent) jobLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		// Block on a stream hint, or time out into a plain poll.
		if _, err := a.dispatch.AwaitJob(ctx, a.workerID.String(), a.cfg.Worker.PollInterval); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warnf("await job: %v", err)
		}

		grant, err := a.coordUC.Claim(ctx, a.workerID)
		if err != nil {
			if errors.Is(err, coordinator.ErrNoJobAvailable) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			a.logger.Errorf("claim failed: %v", err)
			continue
		}
		a.processJob(ctx, grant)
	}
}

func (a *Agent) processJob(ctx context.Context, grant *models.JobGrant) {
	jobID := grant.Job.JobID
	a.logger.Infof("processing job %s (video %s, attempt %d, %d/%d units pending)",
		jobID, grant.Video.VideoID, grant.Job.AttemptNumber, len(grant.PendingUnits()), len(grant.Units))

	a.mu.Lock()
	a.busy = true
	a.percent = grant.Job.ProgressPercent
	a.phase = models.PhaseProbe
	a.units = make(map[string]models.UnitUpdate)
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.busy = false
		a.mu.Unlock()
	}()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Extending at half the lease duration keeps the lease alive with a full
	// missed-report of slack.
	abandoned := make(chan struct{})
	var abandonOnce sync.Once
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(a.cfg.Coordinator.LeaseDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := a.report(jobCtx, jobID); err != nil {
					if isOwnershipErr(err) {
						// Hard requirement: no further side effects once the
						// lease is gone.
						a.logger.Errorf("job %s: lost lease, abandoning: %v", jobID, err)
						abandonOnce.Do(func() { close(abandoned) })
						cancel()
						return
					}
					a.logger.Warnf("job %s: progress report failed: %v", jobID, err)
				}
			}
		}
	}()

	err := a.runUnits(jobCtx, grant)
	cancel()
	wg.Wait()

	select {
	case <-abandoned:
		return
	default:
	}
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		retryable := !errors.Is(err, ErrUnitFatal)
		if failErr := a.coordUC.Fail(ctx, a.workerID, jobID, err.Error(), retryable); failErr != nil {
			a.logger.Errorf("job %s: fail report rejected: %v", jobID, failErr)
		}
		return
	}

	a.mu.Lock()
	results := a.unitSnapshot()
	a.mu.Unlock()
	if err := a.coordUC.Complete(ctx, a.workerID, jobID, results); err != nil {
		a.logger.Errorf("job %s: completion rejected, output discarded: %v", jobID, err)
		return
	}
	a.logger.Infof("job %s completed", jobID)
}

func (a *Agent) runUnits(ctx context.Context, grant *models.JobGrant) error {
	pending := grant.PendingUnits()
	total := len(grant.Units)
	done := total - len(pending)

	a.setPhase(models.PhaseEncode)
	for _, unit := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		unit := unit
		a.recordUnit(models.UnitUpdate{
			UnitName: unit.UnitName,
			Status:   models.UnitStatusInProgress,
		})
		err := a.executor.ProcessUnit(ctx, grant, unit, func(completedCount int, percent float64) {
			a.recordUnit(models.UnitUpdate{
				UnitName:        unit.UnitName,
				Status:          models.UnitStatusInProgress,
				CompletedCount:  completedCount,
				ProgressPercent: percent,
			})
			a.setPercent((float64(done) + percent/100) / float64(total) * 100)
		})
		if err != nil {
			a.recordUnit(models.UnitUpdate{
				UnitName:     unit.UnitName,
				Status:       models.UnitStatusFailed,
				ErrorMessage: err.Error(),
			})
			return errors.Wrapf(err, "unit %q failed", unit.UnitName)
		}
		done++
		a.recordUnit(models.UnitUpdate{
			UnitName:        unit.UnitName,
			Status:          models.UnitStatusCompleted,
			CompletedCount:  unit.TotalCount,
			ProgressPercent: 100,
		})
		a.setPercent(float64(done) / float64(total) * 100)
	}
	a.setPhase(models.PhaseFinalize)
	return nil
}

func (a *Agent) report(ctx context.Context, jobID uuid.UUID) error {
	a.mu.Lock()
	phase := a.phase
	percent := a.percent
	updates := a.unitSnapshot()
	a.mu.Unlock()
	return a.coordUC.ExtendAndReport(ctx, a.workerID, jobID, phase, percent, updates)
}

func (a *Agent) unitSnapshot() []models.UnitUpdate {
	updates := make([]models.UnitUpdate, 0, len(a.units))
	for _, u := range a.units {
		updates = append(updates, u)
	}
	return updates
}

func (a *Agent) recordUnit(u models.UnitUpdate) {
	a.mu.Lock()
	a.units[u.UnitName] = u
	a.mu.Unlock()
}

func (a *Agent) setPercent(p float64) {
	a.mu.Lock()
	a.percent = p
	a.mu.Unlock()
}

func (a *Agent) setPhase(p models.JobPhase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
}

func isOwnershipErr(err error) bool {
	return errors.Is(err, coordinator.ErrLeaseExpired) ||
		errors.Is(err, coordinator.ErrNotOwner) ||
		errors.Is(err, coordinator.ErrAlreadyCompleted)
}
