package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is one ledger row capturing a billable action and its
// artifacts. It is created together with the credit deduction and amended
// with artifact URLs as they become known; it is never deleted.
type UsageRecord struct {
	ID                uuid.UUID `db:"id"                  json:"id"`
	UserID            uuid.UUID `db:"user_id"             json:"user_id"`
	ServiceName       string    `db:"service_name"        json:"service_name"`
	ProviderJobID     *string   `db:"provider_job_id"     json:"provider_job_id,omitempty"`
	InputArtifactURL  *string   `db:"input_artifact_url"  json:"input_artifact_url,omitempty"`
	OutputArtifactURL *string   `db:"output_artifact_url" json:"output_artifact_url,omitempty"`
	Prompt            *string   `db:"prompt"              json:"prompt,omitempty"`
	TokensDeducted    int64     `db:"tokens_deducted"     json:"tokens_deducted"`
	CreatedAt         time.Time `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"          json:"updated_at"`
}

// CreditAccount is a user's prepaid balance. The balance never goes negative;
// deductions are applied by a single conditional update in the store.
type CreditAccount struct {
	UserID    uuid.UUID `db:"user_id"    json:"user_id"`
	Balance   int64     `db:"balance"    json:"balance"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
