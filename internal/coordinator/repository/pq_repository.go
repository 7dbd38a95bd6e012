package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/filthyrake/vlog-coordinator/internal/coordinator"
	"github.com/filthyrake/vlog-coordinator/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jmoiron/sqlx"
)

const maxErrorLen = 2048

type coordRepo struct {
	db *sqlx.DB
}

func NewCoordRepo(db *sqlx.DB) coordinator.Repository {
	return &coordRepo{
		db: db,
	}
}

func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

// checkOwnership enforces the lease protocol on a row already locked by the
// surrounding transaction.
func checkOwnership(job *models.TranscodeJob, workerID uuid.UUID, now time.Time) error {
	if job.CompletedAt != nil {
		return coordinator.ErrAlreadyCompleted
	}
	if job.WorkerID == nil || *job.WorkerID != workerID {
		return coordinator.ErrNotOwner
	}
	if job.LeaseExpiresAt == nil || !job.LeaseExpiresAt.After(now) {
		return coordinator.ErrLeaseExpired
	}
	return nil
}

func (r *coordRepo) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

func (r *coordRepo) CreateJob(ctx context.Context, videoID uuid.UUID, units []models.UnitInput, maxAttempts int) (*models.TranscodeJob, error) {
	job := &models.TranscodeJob{}
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.QueryRowxContext(ctx, createJobQuery, videoID, maxAttempts).StructScan(job); err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		for _, unit := range units {
			if _, err := tx.ExecContext(ctx, createJobUnitQuery, job.JobID, unit.Name, unit.TotalCount); err != nil {
				return fmt.Errorf("failed to create job unit %q: %w", unit.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, markVideoStatusQuery, videoID, models.VideoStatusPending); err != nil {
			return fmt.Errorf("failed to mark video pending: %w", err)
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, coordinator.ErrJobAlreadyQueued
		}
		return nil, err
	}
	return job, nil
}

func (r *coordRepo) ClaimJob(ctx context.Context, worker *models.Worker, leaseDuration time.Duration) (*models.JobGrant, error) {
	grant := &models.JobGrant{}
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		candidate := &models.TranscodeJob{}
		if err := tx.QueryRowxContext(ctx, selectClaimableJobQuery).StructScan(candidate); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				grant = nil
				return nil
			}
			return fmt.Errorf("failed to select claimable job: %w", err)
		}

		// Consume side effects left by a prior attempt before the video is
		// advertised as processing again.
		for _, unitName := range candidate.PendingSideEffects.DiscardUnits {
			if _, err := tx.ExecContext(ctx, resetUnitQuery, candidate.JobID, unitName); err != nil {
				return fmt.Errorf("failed to discard unit %q: %w", unitName, err)
			}
		}

		job := &models.TranscodeJob{}
		if err := tx.QueryRowxContext(
			ctx,
			leaseJobQuery,
			candidate.JobID,
			worker.WorkerID,
			pgInterval(leaseDuration),
			worker.DisplayName,
		).StructScan(job); err != nil {
			return fmt.Errorf("failed to lease job: %w", err)
		}

		if _, err := tx.ExecContext(ctx, markVideoStatusQuery, job.VideoID, models.VideoStatusProcessing); err != nil {
			return fmt.Errorf("failed to mark video processing: %w", err)
		}
		if _, err := tx.ExecContext(ctx, assignWorkerJobQuery, worker.WorkerID, job.JobID); err != nil {
			return fmt.Errorf("failed to assign job to worker: %w", err)
		}

		video := &models.Video{}
		if err := tx.QueryRowxContext(ctx, getVideoByIDQuery, job.VideoID).StructScan(video); err != nil {
			return fmt.Errorf("failed to load video for grant: %w", err)
		}
		units, err := scanUnits(tx.QueryxContext(ctx, getJobUnitsQuery, job.JobID))
		if err != nil {
			return err
		}

		grant.Job = job
		grant.Video = video
		grant.Units = units
		grant.LeaseExpiresAt = *job.LeaseExpiresAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, nil
	}
	return grant, nil
}

func (r *coordRepo) ExtendAndReport(ctx context.Context, workerID, jobID uuid.UUID, phase models.JobPhase, percent float64, updates []models.UnitUpdate, leaseDuration time.Duration) (*models.TranscodeJob, error) {
	job := &models.TranscodeJob{}
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		locked := &models.TranscodeJob{}
		if err := tx.QueryRowxContext(ctx, selectJobForUpdateQuery, jobID).StructScan(locked); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return coordinator.ErrJobNotFound
			}
			return fmt.Errorf("failed to lock job: %w", err)
		}
		if err := checkOwnership(locked, workerID, time.Now()); err != nil {
			return err
		}
		if err := tx.QueryRowxContext(ctx, extendLeaseQuery, jobID, phase, percent, pgInterval(leaseDuration)).StructScan(job); err != nil {
			return fmt.Errorf("failed to extend lease: %w", err)
		}
		for _, u := range updates {
			if err := applyUnitUpdate(ctx, tx, jobID, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *coordRepo) CompleteJob(ctx context.Context, workerID, jobID uuid.UUID, unitResults []models.UnitUpdate) (*models.TranscodeJob, error) {
	job := &models.TranscodeJob{}
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		locked := &models.TranscodeJob{}
		if err := tx.QueryRowxContext(ctx, selectJobForUpdateQuery, jobID).StructScan(locked); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return coordinator.ErrJobNotFound
			}
			return fmt.Errorf("failed to lock job: %w", err)
		}
		if err := checkOwnership(locked, workerID, time.Now()); err != nil {
			return err
		}
		for _, u := range unitResults {
			if err := applyUnitUpdate(ctx, tx, jobID, u); err != nil {
				return err
			}
		}
		if err := tx.QueryRowxContext(ctx, completeJobQuery, jobID).StructScan(job); err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, markVideoReadyQuery, job.VideoID); err != nil {
			return fmt.Errorf("failed to mark video ready: %w", err)
		}
		if _, err := tx.ExecContext(ctx, clearWorkerJobQuery, workerID, jobID); err != nil {
			return fmt.Errorf("failed to clear worker job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *coordRepo) FailJob(ctx context.Context, workerID, jobID uuid.UUID, errMsg string, retryable, preserveCompletedUnits bool) (*models.TranscodeJob, error) {
	job := &models.TranscodeJob{}
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		locked := &models.TranscodeJob{}
		if err := tx.QueryRowxContext(ctx, selectJobForUpdateQuery, jobID).StructScan(locked); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return coordinator.ErrJobNotFound
			}
			return fmt.Errorf("failed to lock job: %w", err)
		}
		if err := checkOwnership(locked, workerID, time.Now()); err != nil {
			return err
		}

		truncated := truncateError(errMsg)
		terminal := !retryable || locked.AttemptNumber+1 > locked.MaxAttempts

		if terminal {
			// Lease fields stay in place for forensic audit; only the
			// worker registry is repaired.
			if err := tx.QueryRowxContext(ctx, failJobTerminalQuery, jobID, truncated).StructScan(job); err != nil {
				return fmt.Errorf("failed to record terminal failure: %w", err)
			}
			if _, err := tx.ExecContext(ctx, markVideoFailedQuery, job.VideoID, truncated); err != nil {
				return fmt.Errorf("failed to mark video failed: %w", err)
			}
		} else {
			if err := tx.QueryRowxContext(ctx, releaseLeaseForRetryQuery, jobID, truncated).StructScan(job); err != nil {
				return fmt.Errorf("failed to release lease: %w", err)
			}
			resetQuery := resetIncompleteUnitsQuery
			if !preserveCompletedUnits {
				resetQuery = resetAllUnitsQuery
			}
			if _, err := tx.ExecContext(ctx, resetQuery, jobID); err != nil {
				return fmt.Errorf("failed to reset units: %w", err)
			}
			if _, err := tx.ExecContext(ctx, markVideoStatusQuery, job.VideoID, models.VideoStatusPending); err != nil {
				return fmt.Errorf("failed to mark video pending: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, clearWorkerJobQuery, workerID, jobID); err != nil {
			return fmt.Errorf("failed to clear worker job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (r *coordRepo) GetJobByID(ctx context.Context, jobID uuid.UUID) (*models.TranscodeJob, error) {
	job := &models.TranscodeJob{}
	if err := r.db.QueryRowxContext(ctx, getJobByIDQuery, jobID).StructScan(job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coordinator.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by id: %w", err)
	}
	return job, nil
}

func (r *coordRepo) GetJobUnits(ctx context.Context, jobID uuid.UUID) ([]*models.JobUnit, error) {
	return scanUnits(r.db.QueryxContext(ctx, getJobUnitsQuery, jobID))
}

func (r *coordRepo) RegisterWorker(ctx context.Context, input *models.WorkerRegisterInput) (*models.Worker, error) {
	worker := &models.Worker{}
	if err := r.db.QueryRowxContext(
		ctx,
		registerWorkerQuery,
		input.WorkerID,
		input.DisplayName,
		input.Class,
		input.Capabilities,
	).StructScan(worker); err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}
	return worker, nil
}

func (r *coordRepo) GetWorkerByID(ctx context.Context, workerID uuid.UUID) (*models.Worker, error) {
	worker := &models.Worker{}
	if err := r.db.QueryRowxContext(ctx, getWorkerByIDQuery, workerID).StructScan(worker); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coordinator.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("failed to get worker by id: %w", err)
	}
	return worker, nil
}

func (r *coordRepo) RecordHeartbeat(ctx context.Context, input *models.HeartbeatInput) error {
	var caps interface{}
	if len(input.Capabilities) > 0 {
		caps = input.Capabilities
	}
	res, err := r.db.ExecContext(ctx, recordHeartbeatQuery, input.WorkerID, input.Status, caps)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	count, _ := res.RowsAffected()
	if count == 0 {
		return coordinator.ErrWorkerNotFound
	}
	return nil
}

func (r *coordRepo) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	rows, err := r.db.QueryxContext(ctx, listWorkersQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()
	workers := make([]*models.Worker, 0)
	for rows.Next() {
		var worker models.Worker
		if err = rows.StructScan(&worker); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, &worker)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan workers: %w", err)
	}
	return workers, nil
}

func (r *coordRepo) LatestHeartbeatByClass(ctx context.Context, class models.WorkerClass) (*time.Time, error) {
	var latest sql.NullTime
	if err := r.db.GetContext(ctx, &latest, latestHeartbeatByClassQuery, class); err != nil {
		return nil, fmt.Errorf("failed to get latest heartbeat: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	return &latest.Time, nil
}

func (r *coordRepo) MarkStaleWorkersOffline(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error) {
	rows, err := r.db.QueryxContext(ctx, markStaleWorkersOfflineQuery, pgInterval(threshold))
	if err != nil {
		return nil, fmt.Errorf("failed to mark stale workers offline: %w", err)
	}
	defer rows.Close()
	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan worker id: %w", err)
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan worker ids: %w", err)
	}
	return ids, nil
}

func (r *coordRepo) ReclaimExpiredLeases(ctx context.Context) ([]*models.TranscodeJob, error) {
	reclaimed := make([]*models.TranscodeJob, 0)
	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryxContext(ctx, selectReclaimableJobsQuery)
		if err != nil {
			return fmt.Errorf("failed to select reclaimable jobs: %w", err)
		}
		stale := make([]*models.TranscodeJob, 0)
		for rows.Next() {
			var job models.TranscodeJob
			if err = rows.StructScan(&job); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan reclaimable job: %w", err)
			}
			stale = append(stale, &job)
		}
		if err = rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan reclaimable jobs: %w", err)
		}
		rows.Close()

		for _, job := range stale {
			// Permanently failed jobs keep their lease columns for audit and
			// must never return to the unclaimed pool.
			if models.DeriveJobState(job, time.Now()) == models.JobStateFailedPermanent {
				continue
			}
			holderID := *job.WorkerID
			released := &models.TranscodeJob{}
			if err = tx.QueryRowxContext(ctx, reclaimLeaseQuery, job.JobID).StructScan(released); err != nil {
				return fmt.Errorf("failed to reclaim lease for job %s: %w", job.JobID, err)
			}
			if _, err = tx.ExecContext(ctx, markVideoStatusQuery, released.VideoID, models.VideoStatusPending); err != nil {
				return fmt.Errorf("failed to mark video pending: %w", err)
			}
			if _, err = tx.ExecContext(ctx, releaseWorkerAfterReclaimQuery, holderID, job.JobID); err != nil {
				return fmt.Errorf("failed to release worker assignment: %w", err)
			}
			reclaimed = append(reclaimed, released)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reclaimed, nil
}

func applyUnitUpdate(ctx context.Context, tx *sqlx.Tx, jobID uuid.UUID, u models.UnitUpdate) error {
	if _, err := tx.ExecContext(
		ctx,
		upsertUnitQuery,
		jobID,
		u.UnitName,
		u.Status,
		u.CompletedCount,
		u.ProgressPercent,
		u.ErrorMessage,
	); err != nil {
		return fmt.Errorf("failed to upsert unit %q: %w", u.UnitName, err)
	}
	return nil
}

func scanUnits(rows *sqlx.Rows, err error) ([]*models.JobUnit, error) {
	if err != nil {
		return nil, fmt.Errorf("failed to query job units: %w", err)
	}
	defer rows.Close()
	units := make([]*models.JobUnit, 0)
	for rows.Next() {
		var unit models.JobUnit
		if err = rows.StructScan(&unit); err != nil {
			return nil, fmt.Errorf("failed to scan job unit: %w", err)
		}
		units = append(units, &unit)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan job units: %w", err)
	}
	return units, nil
}
