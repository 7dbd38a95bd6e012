package coordinator

import "github.com/pkg/errors"

// Coordination outcomes the worker must branch on. These cross the
// worker/coordinator boundary as explicit variants, never as panics.
var (
	// ErrNoJobAvailable is a normal poll outcome, not a failure.
	ErrNoJobAvailable = errors.New("no job available")

	// ErrLeaseExpired means the caller's lease lapsed; the worker must stop
	// producing side effects for the job immediately.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrNotOwner means the job is held by someone else (or nobody).
	ErrNotOwner = errors.New("not the lease owner")

	// ErrAlreadyCompleted is the defined outcome of completing a job twice.
	ErrAlreadyCompleted = errors.New("job already completed")

	ErrJobNotFound      = errors.New("job not found")
	ErrWorkerNotFound   = errors.New("worker not registered")
	ErrWorkerDisabled   = errors.New("worker is disabled")
	ErrJobAlreadyQueued = errors.New("video already has a transcode job")
)
