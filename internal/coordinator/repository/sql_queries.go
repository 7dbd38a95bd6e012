package repository

const (
	createJobQuery = `INSERT INTO transcode_jobs (video_id, max_attempts)
					VALUES ($1, $2) RETURNING *`

	createJobUnitQuery = `INSERT INTO job_units (job_id, unit_name, total_count)
					VALUES ($1, $2, $3)`

	markVideoStatusQuery = `UPDATE videos SET status = $2, updated_at = NOW()
					WHERE video_id = $1`

	markVideoFailedQuery = `UPDATE videos SET status = 'failed', error_message = $2, updated_at = NOW()
					WHERE video_id = $1`

	markVideoReadyQuery = `UPDATE videos SET status = 'ready', error_message = NULL, updated_at = NOW()
					WHERE video_id = $1`

	getVideoByIDQuery = `SELECT video_id, file_name, s3_key, s3_bucket, status, error_message, uploaded_at, updated_at
					FROM videos WHERE video_id = $1`

	// The locking read behind Claim. SKIP LOCKED keeps concurrent claims from
	// blocking on (or double-selecting) the same candidate row.
	selectClaimableJobQuery = `SELECT * FROM transcode_jobs
					WHERE worker_id IS NULL
					  AND completed_at IS NULL
					  AND attempt_number <= max_attempts
					ORDER BY created_at
					LIMIT 1
					FOR UPDATE SKIP LOCKED`

	leaseJobQuery = `UPDATE transcode_jobs
					SET worker_id = $2,
					    leased_at = NOW(),
					    lease_expires_at = NOW() + $3::interval,
					    processed_by_worker_id = $2,
					    processed_by_worker_name = $4,
					    pending_side_effects = '{}'::jsonb,
					    updated_at = NOW()
					WHERE job_id = $1 RETURNING *`

	resetUnitQuery = `UPDATE job_units
					SET status = 'pending', completed_count = 0, progress_percent = 0,
					    error_message = NULL, started_at = NULL, completed_at = NULL,
					    updated_at = NOW()
					WHERE job_id = $1 AND unit_name = $2`

	selectJobForUpdateQuery = `SELECT * FROM transcode_jobs WHERE job_id = $1 FOR UPDATE`

	getJobByIDQuery = `SELECT * FROM transcode_jobs WHERE job_id = $1`

	extendLeaseQuery = `UPDATE transcode_jobs
					SET current_phase = $2,
					    progress_percent = $3,
					    last_checkpoint_at = NOW(),
					    lease_expires_at = NOW() + $4::interval,
					    updated_at = NOW()
					WHERE job_id = $1 RETURNING *`

	upsertUnitQuery = `INSERT INTO job_units (job_id, unit_name, status, completed_count, progress_percent, error_message, started_at, completed_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''),
					        CASE WHEN $3 = 'in_progress' THEN NOW() END,
					        CASE WHEN $3 = 'completed' THEN NOW() END,
					        NOW())
					ON CONFLICT (job_id, unit_name) DO UPDATE
					SET status = EXCLUDED.status,
					    completed_count = EXCLUDED.completed_count,
					    progress_percent = EXCLUDED.progress_percent,
					    error_message = EXCLUDED.error_message,
					    started_at = COALESCE(job_units.started_at, EXCLUDED.started_at),
					    completed_at = CASE WHEN EXCLUDED.status = 'completed' THEN NOW() ELSE job_units.completed_at END,
					    updated_at = NOW()
					WHERE job_units.status != 'completed'`

	completeJobQuery = `UPDATE transcode_jobs
					SET completed_at = NOW(),
					    progress_percent = 100,
					    current_phase = 'finalize',
					    lease_expires_at = NULL,
					    worker_id = NULL,
					    updated_at = NOW()
					WHERE job_id = $1 RETURNING *`

	releaseLeaseForRetryQuery = `UPDATE transcode_jobs
					SET worker_id = NULL,
					    leased_at = NULL,
					    lease_expires_at = NULL,
					    attempt_number = attempt_number + 1,
					    last_error = $2,
					    progress_percent = 0,
					    updated_at = NOW()
					WHERE job_id = $1 RETURNING *`

	// attempt_number lands strictly past max_attempts so the derived state is
	// failed_permanent even when a non-retryable failure ends the job early.
	failJobTerminalQuery = `UPDATE transcode_jobs
					SET attempt_number = GREATEST(attempt_number + 1, max_attempts + 1),
					    last_error = $2,
					    updated_at = NOW()
					WHERE job_id = $1 RETURNING *`

	resetIncompleteUnitsQuery = `UPDATE job_units
					SET status = 'pending', error_message = NULL, updated_at = NOW()
					WHERE job_id = $1 AND status IN ('in_progress', 'failed')`

	resetAllUnitsQuery = `UPDATE job_units
					SET status = 'pending', completed_count = 0, progress_percent = 0,
					    error_message = NULL, started_at = NULL, completed_at = NULL,
					    updated_at = NOW()
					WHERE job_id = $1`

	getJobUnitsQuery = `SELECT job_id, unit_name, status, completed_count, total_count, progress_percent, error_message, started_at, completed_at, updated_at
					FROM job_units WHERE job_id = $1 ORDER BY unit_name`

	registerWorkerQuery = `INSERT INTO workers (worker_id, display_name, class, status, capabilities, registered_at)
					VALUES ($1, $2, $3, 'idle', $4, NOW())
					ON CONFLICT (worker_id) DO UPDATE
					SET display_name = EXCLUDED.display_name,
					    class = EXCLUDED.class,
					    capabilities = EXCLUDED.capabilities
					RETURNING *`

	getWorkerByIDQuery = `SELECT worker_id, display_name, class, status, last_heartbeat_at, registered_at, current_job_id, capabilities
					FROM workers WHERE worker_id = $1`

	listWorkersQuery = `SELECT worker_id, display_name, class, status, last_heartbeat_at, registered_at, current_job_id, capabilities
					FROM workers ORDER BY registered_at`

	// Heartbeat arrival is itself the recovery signal: a reported idle/busy
	// replaces offline, but disabled is never overwritten.
	recordHeartbeatQuery = `UPDATE workers
					SET last_heartbeat_at = NOW(),
					    status = CASE WHEN status = 'disabled' THEN status ELSE $2 END,
					    capabilities = COALESCE($3, capabilities)
					WHERE worker_id = $1`

	latestHeartbeatByClassQuery = `SELECT MAX(last_heartbeat_at) FROM workers
					WHERE class = $1 AND status != 'disabled'`

	assignWorkerJobQuery = `UPDATE workers
					SET current_job_id = $2, status = 'busy'
					WHERE worker_id = $1`

	clearWorkerJobQuery = `UPDATE workers
					SET current_job_id = NULL, status = 'idle'
					WHERE worker_id = $1 AND current_job_id = $2`

	// Conditional so a heartbeat racing the sweep wins: zero rows affected
	// means the worker recovered and nothing else happens this cycle.
	markStaleWorkersOfflineQuery = `UPDATE workers
					SET status = 'offline'
					WHERE status NOT IN ('offline', 'disabled')
					  AND (last_heartbeat_at < NOW() - $1::interval
					       OR (last_heartbeat_at IS NULL AND registered_at < NOW() - $1::interval))
					RETURNING worker_id`

	// Both conditions required: the holder must look dead AND the lease must
	// have run out. Exhausted jobs keep their lease columns for audit and are
	// never requeued. SKIP LOCKED keeps the sweep from waiting on an
	// in-flight Complete/Fail on the same row.
	selectReclaimableJobsQuery = `SELECT j.* FROM transcode_jobs j
					JOIN workers w ON w.worker_id = j.worker_id
					WHERE w.status = 'offline'
					  AND j.completed_at IS NULL
					  AND j.attempt_number <= j.max_attempts
					  AND j.lease_expires_at < NOW()
					FOR UPDATE OF j SKIP LOCKED`

	reclaimLeaseQuery = `UPDATE transcode_jobs
					SET worker_id = NULL,
					    leased_at = NULL,
					    lease_expires_at = NULL,
					    updated_at = NOW()
					WHERE job_id = $1 RETURNING *`

	// Used on the reclaim path, where the holder was just marked offline and
	// must stay that way until it heartbeats again.
	releaseWorkerAfterReclaimQuery = `UPDATE workers
					SET current_job_id = NULL,
					    status = CASE WHEN status IN ('offline', 'disabled') THEN status ELSE 'idle' END
					WHERE worker_id = $1 AND current_job_id = $2`
)
