package models

import (
	"time"

	"github.com/google/uuid"
)

type UnitStatus string

const (
	UnitStatusPending    UnitStatus = "pending"
	UnitStatusInProgress UnitStatus = "in_progress"
	UnitStatusCompleted  UnitStatus = "completed"
	UnitStatusFailed     UnitStatus = "failed"
	UnitStatusSkipped    UnitStatus = "skipped"
)

func (s UnitStatus) Valid() bool {
	switch s {
	case UnitStatusPending, UnitStatusInProgress, UnitStatusCompleted, UnitStatusFailed, UnitStatusSkipped:
		return true
	}
	return false
}

// JobUnit is one independently encodable sub-task of a job, typically one
// output quality variant. Rows are created once with the job and survive
// retries so a later attempt can skip finished work.
type JobUnit struct {
	JobID           uuid.UUID  `json:"job_id" db:"job_id"`
	UnitName        string     `json:"unit_name" db:"unit_name"`
	Status          UnitStatus `json:"status" db:"status"`
	CompletedCount  int        `json:"completed_count" db:"completed_count"`
	TotalCount      int        `json:"total_count" db:"total_count"`
	ProgressPercent float64    `json:"progress_percent" db:"progress_percent"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// UnitUpdate is a worker-reported delta for one unit, applied during
// ExtendAndReport and Complete.
type UnitUpdate struct {
	UnitName        string     `json:"unit_name" validate:"required,lte=64"`
	Status          UnitStatus `json:"status" validate:"required"`
	CompletedCount  int        `json:"completed_count" validate:"omitempty,min=0"`
	ProgressPercent float64    `json:"progress_percent" validate:"omitempty,min=0,max=100"`
	ErrorMessage    string     `json:"error_message,omitempty" validate:"omitempty,lte=2048"`
}
