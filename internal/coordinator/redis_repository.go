package coordinator

import (
	"context"
	"time"

	"github.com/filthyrake/vlog-coordinator/internal/models"
)

// DispatchRepository is the raw Redis side of the accelerator: an
// append-only stream with consumer-group semantics for claim hints, plus
// pub/sub channels for progress and alert events.
type DispatchRepository interface {
	AnnounceJob(ctx context.Context, ann *models.JobAnnouncement) error

	// AwaitJob blocks up to the given duration for the next stream hint.
	// Returns (nil, nil) on timeout.
	AwaitJob(ctx context.Context, consumer string, block time.Duration) (*models.JobAnnouncement, error)

	PublishProgress(ctx context.Context, event *models.ProgressEvent) error
	PublishAlert(ctx context.Context, alert *models.FailureAlert) error
}

// Dispatch is the accelerator facade the coordinator and workers talk to.
// Implementations isolate broker outages behind a circuit breaker so that
// dispatch degrades to polling instead of blocking the claim path.
type Dispatch interface {
	DispatchRepository
}
