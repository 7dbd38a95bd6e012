package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobState is the derived lifecycle state of a transcode job. It is never
// stored; it is computed from the lease and lifecycle columns so the columns
// stay the single source of truth.
type JobState string

const (
	JobStateUnclaimed       JobState = "unclaimed"
	JobStateLeasedValid     JobState = "leased_valid"
	JobStateLeasedExpired   JobState = "leased_expired"
	JobStateCompleted       JobState = "completed"
	JobStateFailedPermanent JobState = "failed_permanent"
)

type JobPhase string

const (
	PhaseProbe     JobPhase = "probe"
	PhaseThumbnail JobPhase = "thumbnail"
	PhaseEncode    JobPhase = "encode"
	PhaseManifest  JobPhase = "manifest"
	PhaseFinalize  JobPhase = "finalize"
)

func (p JobPhase) Valid() bool {
	switch p {
	case PhaseProbe, PhaseThumbnail, PhaseEncode, PhaseManifest, PhaseFinalize:
		return true
	}
	return false
}

// SideEffects describes cleanup that must happen atomically with the next
// claim, before the video is advertised as processing again.
type SideEffects struct {
	DiscardUnits []string `json:"discard_units,omitempty"`
}

func (s SideEffects) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *SideEffects) Scan(src interface{}) error {
	if src == nil {
		*s = SideEffects{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	}
	return fmt.Errorf("unsupported side effects type %T", src)
}

func (s SideEffects) Empty() bool {
	return len(s.DiscardUnits) == 0
}

type TranscodeJob struct {
	JobID   uuid.UUID `json:"job_id" db:"job_id"`
	VideoID uuid.UUID `json:"video_id" db:"video_id"`

	WorkerID       *uuid.UUID `json:"worker_id,omitempty" db:"worker_id"`
	LeasedAt       *time.Time `json:"leased_at,omitempty" db:"leased_at"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`

	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	AttemptNumber int        `json:"attempt_number" db:"attempt_number"`
	MaxAttempts   int        `json:"max_attempts" db:"max_attempts"`
	LastError     *string    `json:"last_error,omitempty" db:"last_error"`

	CurrentPhase     JobPhase   `json:"current_phase" db:"current_phase"`
	ProgressPercent  float64    `json:"progress_percent" db:"progress_percent"`
	LastCheckpointAt *time.Time `json:"last_checkpoint_at,omitempty" db:"last_checkpoint_at"`

	ProcessedByWorkerID   *uuid.UUID `json:"processed_by_worker_id,omitempty" db:"processed_by_worker_id"`
	ProcessedByWorkerName *string    `json:"processed_by_worker_name,omitempty" db:"processed_by_worker_name"`

	PendingSideEffects SideEffects `json:"pending_side_effects,omitempty" db:"pending_side_effects"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DeriveJobState computes the lifecycle state from the lease and attempt
// columns. Exactly one state holds for any column tuple.
func DeriveJobState(job *TranscodeJob, now time.Time) JobState {
	if job.CompletedAt != nil {
		return JobStateCompleted
	}
	if job.AttemptNumber > job.MaxAttempts {
		return JobStateFailedPermanent
	}
	if job.WorkerID == nil {
		return JobStateUnclaimed
	}
	if job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now) {
		return JobStateLeasedValid
	}
	return JobStateLeasedExpired
}

// JobGrant is what a successful claim hands back to the worker: enough to
// resume intelligently after a prior attempt.
type JobGrant struct {
	Job            *TranscodeJob `json:"job"`
	Video          *Video        `json:"video"`
	Units          []*JobUnit    `json:"units"`
	LeaseExpiresAt time.Time     `json:"lease_expires_at"`
}

// PendingUnits returns the units the holder still has to produce.
func (g *JobGrant) PendingUnits() []*JobUnit {
	pending := make([]*JobUnit, 0, len(g.Units))
	for _, u := range g.Units {
		if u.Status != UnitStatusCompleted && u.Status != UnitStatusSkipped {
			pending = append(pending, u)
		}
	}
	return pending
}

type JobCreateInput struct {
	VideoID     uuid.UUID   `json:"video_id" validate:"required"`
	Units       []UnitInput `json:"units" validate:"required,min=1,dive"`
	MaxAttempts int         `json:"max_attempts" validate:"omitempty,min=1"`
}

type UnitInput struct {
	Name       string `json:"name" validate:"required,lte=64"`
	TotalCount int    `json:"total_count" validate:"omitempty,min=0"`
}
