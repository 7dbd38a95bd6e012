package dispatch

import (
	"context"
	"time"

	"github.com/filthyrake/vlog-coordinator/internal/coordinator"
	"github.com/filthyrake/vlog-coordinator/internal/models"
	"github.com/filthyrake/vlog-coordinator/pkg/logger"
	"github.com/sony/gobreaker"
)

const (
	breakerFailureThreshold = 5
	breakerCooldown         = 30 * time.Second
	publishTimeout          = 2 * time.Second
)

// Accelerator wraps the Redis dispatch repository behind a circuit breaker.
// The stream is strictly an optimization over polling: when the breaker is
// open every call degrades to a harmless no-op and workers fall back to
// their poll timers. Nothing here may block the claim or complete path.
type Accelerator struct {
	repo    coordinator.DispatchRepository
	breaker *gobreaker.CircuitBreaker
	logger  logger.Logger
}

func NewAccelerator(repo coordinator.DispatchRepository, log logger.Logger) *Accelerator {
	settings := gobreaker.Settings{
		Name:        "dispatch-accelerator",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("accelerator breaker %s: %s -> %s", name, from, to)
		},
	}
	return &Accelerator{
		repo:    repo,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log,
	}
}

func (a *Accelerator) AnnounceJob(ctx context.Context, ann *models.JobAnnouncement) error {
	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, a.repo.AnnounceJob(cctx, ann)
	})
	if err != nil {
		a.logger.Warnf("job announcement dropped for %s: %v", ann.JobID, err)
	}
	return nil
}

// AwaitJob blocks for up to the given duration on the stream. When the
// breaker is open it sleeps the same duration instead, so callers poll the
// store at exactly the cadence they would without an accelerator.
func (a *Accelerator) AwaitJob(ctx context.Context, consumer string, block time.Duration) (*models.JobAnnouncement, error) {
	res, err := a.breaker.Execute(func() (interface{}, error) {
		return a.repo.AwaitJob(ctx, consumer, block)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(block):
			return nil, nil
		}
	}
	ann, _ := res.(*models.JobAnnouncement)
	return ann, nil
}

func (a *Accelerator) PublishProgress(ctx context.Context, event *models.ProgressEvent) error {
	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, a.repo.PublishProgress(cctx, event)
	})
	if err != nil {
		a.logger.Debugf("progress event dropped for %s: %v", event.JobID, err)
	}
	return nil
}

func (a *Accelerator) PublishAlert(ctx context.Context, alert *models.FailureAlert) error {
	cctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, a.repo.PublishAlert(cctx, alert)
	})
	if err != nil {
		a.logger.Warnf("failure alert dropped for %s: %v", alert.JobID, err)
	}
	return nil
}

// State exposes the breaker state for health reporting.
func (a *Accelerator) State() gobreaker.State {
	return a.breaker.State()
}

var _ coordinator.Dispatch = (*Accelerator)(nil)
