package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type WorkerClass string

const (
	WorkerClassGPU WorkerClass = "gpu"
	WorkerClassCPU WorkerClass = "cpu"
)

func (c WorkerClass) Valid() bool {
	return c == WorkerClassGPU || c == WorkerClassCPU
}

type WorkerStatus string

const (
	WorkerStatusActive   WorkerStatus = "active"
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusOffline  WorkerStatus = "offline"
	WorkerStatusDisabled WorkerStatus = "disabled"
)

func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusActive, WorkerStatusIdle, WorkerStatusBusy, WorkerStatusOffline, WorkerStatusDisabled:
		return true
	}
	return false
}

type Capabilities map[string]interface{}

func (c Capabilities) Value() (driver.Value, error) {
	if c == nil {
		return json.Marshal(Capabilities{})
	}
	return json.Marshal(c)
}

func (c *Capabilities) Scan(src interface{}) error {
	if src == nil {
		*c = Capabilities{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	}
	return fmt.Errorf("unsupported capabilities type %T", src)
}

// Worker is a registered execution agent. Workers are never deleted
// automatically, only marked offline or disabled.
type Worker struct {
	WorkerID        uuid.UUID    `json:"worker_id" db:"worker_id"`
	DisplayName     string       `json:"display_name" db:"display_name"`
	Class           WorkerClass  `json:"class" db:"class"`
	Status          WorkerStatus `json:"status" db:"status"`
	LastHeartbeatAt *time.Time   `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	RegisteredAt    time.Time    `json:"registered_at" db:"registered_at"`
	CurrentJobID    *uuid.UUID   `json:"current_job_id,omitempty" db:"current_job_id"`
	Capabilities    Capabilities `json:"capabilities" db:"capabilities"`
}

type WorkerRegisterInput struct {
	WorkerID     uuid.UUID    `json:"worker_id" validate:"required"`
	DisplayName  string       `json:"display_name" validate:"required,lte=255"`
	Class        WorkerClass  `json:"class" validate:"required"`
	Capabilities Capabilities `json:"capabilities"`
}

type HeartbeatInput struct {
	WorkerID     uuid.UUID    `json:"worker_id" validate:"required"`
	Status       WorkerStatus `json:"status" validate:"required"`
	Capabilities Capabilities `json:"capabilities"`
}
