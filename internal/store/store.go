package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/teodorv/imagemill/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInsufficientCredits is the sentinel for a deduction that would overdraw
// the account. Match with errors.Is; the concrete InsufficientCreditsError
// carries the available balance.
var ErrInsufficientCredits = errors.New("insufficient credits")

// InsufficientCreditsError reports how far short the balance fell.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	// GetCreditAccount returns the account, or ErrNotFound if none exists.
	GetCreditAccount(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error)
	// CheckBalance reports whether the user can afford required credits.
	// A missing account reads as zero balance. Read-only: passing the check
	// does not reserve anything, DeductAndRecord remains the authority.
	CheckBalance(ctx context.Context, userID uuid.UUID, required int64) (ok bool, available int64, err error)
	// AddCredits grants credits, creating the account on first grant.
	AddCredits(ctx context.Context, userID uuid.UUID, amount int64) (*models.CreditAccount, error)
	// DeductAndRecord decrements the balance by record.TokensDeducted and
	// inserts the usage record as one atomic unit: both apply or neither
	// does. Returns ErrInsufficientCredits (as *InsufficientCreditsError)
	// when the balance cannot cover the deduction.
	DeductAndRecord(ctx context.Context, record *models.UsageRecord) (*models.UsageRecord, error)

	GetUsageRecord(ctx context.Context, id uuid.UUID) (*models.UsageRecord, error)
	// AmendUsageRecord applies a partial update; fields not passed as
	// options are left untouched.
	AmendUsageRecord(ctx context.Context, id uuid.UUID, opts ...UsageUpdateOption) error
	ListUsageRecords(ctx context.Context, filter UsageFilter) ([]*models.UsageRecord, int, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
}

// UsageFilter selects and paginates a user's usage history.
type UsageFilter struct {
	UserID      uuid.UUID
	ServiceName string
	Page        int
	Limit       int
}

// UsageUpdate collects the fields an AmendUsageRecord call may set. Exported
// so fake stores can replay options the same way the real one does.
type UsageUpdate struct {
	InputArtifactURL  *string
	OutputArtifactURL *string
	ProviderJobID     *string
}

type UsageUpdateOption func(*UsageUpdate)

func WithInputArtifactURL(url string) UsageUpdateOption {
	return func(p *UsageUpdate) {
		p.InputArtifactURL = &url
	}
}

func WithOutputArtifactURL(url string) UsageUpdateOption {
	return func(p *UsageUpdate) {
		p.OutputArtifactURL = &url
	}
}

func WithProviderJobID(id string) UsageUpdateOption {
	return func(p *UsageUpdate) {
		p.ProviderJobID = &id
	}
}

// JobUpdate collects the fields an UpdateJobStatus call may set alongside the
// status itself.
type JobUpdate struct {
	ErrorMessage  *string
	OutputURL     *string
	ProviderJobID *string
}

type JobUpdateOption func(*JobUpdate)

func WithJobError(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithJobOutputURL(url string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.OutputURL = &url
	}
}

func WithJobProviderID(id string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ProviderJobID = &id
	}
}
