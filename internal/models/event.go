package models

import (
	"time"

	"github.com/google/uuid"
)

// ProgressEvent is published after every successful ExtendAndReport,
// Complete and Fail for real-time dashboards. Delivery is best-effort.
type ProgressEvent struct {
	JobID        uuid.UUID             `json:"job_id"`
	VideoID      uuid.UUID             `json:"video_id"`
	Phase        JobPhase              `json:"phase"`
	Percent      float64               `json:"percent"`
	UnitStatuses map[string]UnitStatus `json:"unit_statuses,omitempty"`
	Timestamp    time.Time             `json:"timestamp"`
}

// FailureAlert is emitted when a job exhausts its attempts.
type FailureAlert struct {
	JobID     uuid.UUID `json:"job_id"`
	VideoID   uuid.UUID `json:"video_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	Timestamp time.Time `json:"timestamp"`
}

// JobAnnouncement is the dispatch-accelerator hint for an unclaimed job.
// It is never authoritative; claiming still goes through the store.
type JobAnnouncement struct {
	JobID   uuid.UUID `json:"job_id"`
	VideoID uuid.UUID `json:"video_id"`
}
