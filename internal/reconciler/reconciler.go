package reconciler

import (
	"context"
	"time"

	"github.com/filthyrake/vlog-coordinator/internal/config"
	"github.com/filthyrake/vlog-coordinator/internal/coordinator"
	"github.com/filthyrake/vlog-coordinator/internal/models"
	"github.com/filthyrake/vlog-coordinator/pkg/logger"
)

// Reconciler is the stale-lease sweep: it marks dead workers offline and
// returns their expired leases to the unclaimed pool. It is the only path
// that ever reclaims a job; worker completions racing the sweep lose safely
// through the ownership checks.
type Reconciler struct {
	cfg       *config.Config
	repo      coordinator.Repository
	dispatch  coordinator.Dispatch
	logger    logger.Logger
	startedAt time.Time
}

func NewReconciler(cfg *config.Config, repo coordinator.Repository, dispatch coordinator.Dispatch, log logger.Logger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		repo:     repo,
		dispatch: dispatch,
		logger:   log,
	}
}

// Run blocks until ctx is cancelled, sweeping on the configured interval.
// Sweeps are skipped for the startup grace period so workers that simply
// have not re-heartbeated since a coordinator restart are not reclaimed.
func (r *Reconciler) Run(ctx context.Context) {
	r.startedAt = time.Now()
	ticker := time.NewTicker(r.cfg.Coordinator.ReconcileInterval)
	defer ticker.Stop()

	r.logger.Infof("reconciler started, interval %s, grace period %s",
		r.cfg.Coordinator.ReconcileInterval, r.cfg.Coordinator.StartupGracePeriod)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation cycle.
func (r *Reconciler) Sweep(ctx context.Context) {
	if r.inGracePeriod(time.Now()) {
		r.logger.Debug("reconciler within startup grace period, skipping sweep")
		return
	}

	offline, err := r.repo.MarkStaleWorkersOffline(ctx, r.cfg.Coordinator.OfflineThreshold)
	if err != nil {
		r.logger.Errorf("reconciler - failed to mark stale workers: %v", err)
		return
	}
	for _, workerID := range offline {
		r.logger.Warnf("reconciler - worker %s marked offline (no heartbeat within %s)",
			workerID, r.cfg.Coordinator.OfflineThreshold)
	}

	reclaimed, err := r.repo.ReclaimExpiredLeases(ctx)
	if err != nil {
		r.logger.Errorf("reconciler - failed to reclaim leases: %v", err)
		return
	}
	for _, job := range reclaimed {
		r.logger.Warnf("reconciler - job %s reclaimed from dead holder, attempt %d preserved",
			job.JobID, job.AttemptNumber)
		_ = r.dispatch.AnnounceJob(ctx, &models.JobAnnouncement{JobID: job.JobID, VideoID: job.VideoID})
	}
}

func (r *Reconciler) inGracePeriod(now time.Time) bool {
	if r.startedAt.IsZero() {
		r.startedAt = now
	}
	return now.Sub(r.startedAt) < r.cfg.Coordinator.StartupGracePeriod
}
