package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// TerminalJobStatus reports whether a job status admits no further transition.
func TerminalJobStatus(s string) bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// Job tracks one transformation workflow. The API returns a job id on
// POST /api/v1/transform; the client polls GET /api/v1/jobs/{id} until
// status is succeeded, failed, or canceled.
type Job struct {
	ID              uuid.UUID  `db:"id"                json:"id"`
	UserID          uuid.UUID  `db:"user_id"           json:"user_id"`
	ServiceName     string     `db:"service_name"      json:"service_name"`
	ProviderJobID   *string    `db:"provider_job_id"   json:"provider_job_id,omitempty"`
	Status          string     `db:"status"            json:"status"`
	OutputURL       *string    `db:"output_url"        json:"output_url,omitempty"`
	ErrorMessage    *string    `db:"error_message"     json:"error_message,omitempty"`
	CreditsDeducted int64      `db:"credits_deducted"  json:"credits_deducted"`
	StartedAt       *time.Time `db:"started_at"        json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at"      json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"        json:"updated_at"`
}
