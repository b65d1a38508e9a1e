package models

import (
	"time"

	"github.com/google/uuid"
)

type Quality string

const (
	QualityLow  Quality = "low"
	QualityHigh Quality = "high"
)

// Qualities lists the tiers captured for every ended stream.
var Qualities = []Quality{QualityLow, QualityHigh}

func (q Quality) Valid() bool {
	return q == QualityLow || q == QualityHigh
}

type DownloadStatus string

const (
	DownloadPending   DownloadStatus = "pending"
	DownloadRunning   DownloadStatus = "running"
	DownloadSucceeded DownloadStatus = "succeeded"
	DownloadFailed    DownloadStatus = "failed"
)

// Terminal reports whether no worker will touch the row again on its own.
func (s DownloadStatus) Terminal() bool {
	return s == DownloadSucceeded || s == DownloadFailed
}

type Download struct {
	ID          uuid.UUID      `json:"id" db:"id"`
	StreamID    uuid.UUID      `json:"stream_id" db:"stream_id"`
	Quality     Quality        `json:"quality" db:"quality"`
	Status      DownloadStatus `json:"status" db:"status"`
	FilePath    string         `json:"file_path,omitempty" db:"file_path"`
	ByteSize    int64          `json:"byte_size" db:"byte_size"`
	StartedAt   *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
	RetryCount  int            `json:"retry_count" db:"retry_count"`
	LastError   string         `json:"last_error,omitempty" db:"last_error"`
	DeleteAfter *time.Time     `json:"delete_after,omitempty" db:"delete_after"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

type DownloadFilter struct {
	StreamID *uuid.UUID
	Status   DownloadStatus
	Limit    int
}

// FailureUpdate records one failed attempt. Permanent moves the row to
// failed, otherwise it goes back to pending for another attempt.
type FailureUpdate struct {
	RetryCount int
	Error      string
	Permanent  bool
}
