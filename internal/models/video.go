package models

import (
	"time"

	"github.com/google/uuid"
)

// VideoStatus is the coarse, externally visible mirror of the derived job
// state. It is the only authoritative status column in the schema and is
// written in the same transaction as the job columns it mirrors.
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusReady      VideoStatus = "ready"
	VideoStatusFailed     VideoStatus = "failed"
)

func (s VideoStatus) Valid() bool {
	switch s {
	case VideoStatusPending, VideoStatusProcessing, VideoStatusReady, VideoStatusFailed:
		return true
	}
	return false
}

// Video is the subject a transcode job exists to process.
type Video struct {
	VideoID      uuid.UUID   `json:"video_id" db:"video_id"`
	FileName     string      `json:"file_name" db:"file_name"`
	S3Key        string      `json:"s3_key" db:"s3_key"`
	S3Bucket     string      `json:"s3_bucket" db:"s3_bucket"`
	Status       VideoStatus `json:"status" db:"status"`
	ErrorMessage *string     `json:"error_message,omitempty" db:"error_message"`
	UploadedAt   time.Time   `json:"uploaded_at" db:"uploaded_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}
