package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/teodorv/imagemill/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Credit Accounts ---

func (s *PostgresStore) GetCreditAccount(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance, updated_at FROM credit_accounts WHERE user_id = $1`, userID,
	).Scan(&a.UserID, &a.Balance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) CheckBalance(ctx context.Context, userID uuid.UUID, required int64) (bool, int64, error) {
	account, err := s.GetCreditAccount(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return required <= 0, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return account.Balance >= required, account.Balance, nil
}

func (s *PostgresStore) AddCredits(ctx context.Context, userID uuid.UUID, amount int64) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := s.pool.QueryRow(ctx,
		`INSERT INTO credit_accounts (user_id, balance, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		   balance = credit_accounts.balance + EXCLUDED.balance,
		   updated_at = NOW()
		 RETURNING user_id, balance, updated_at`,
		userID, amount,
	).Scan(&a.UserID, &a.Balance, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("add credits: %w", err)
	}
	return &a, nil
}

// DeductAndRecord applies the balance decrement and the usage insert in one
// transaction. The decrement is a single conditional UPDATE, so concurrent
// deductions against the same account serialize in the database and at most
// one can win the last reservation's worth of balance.
func (s *PostgresStore) DeductAndRecord(ctx context.Context, record *models.UsageRecord) (*models.UsageRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin deduct transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cost := record.TokensDeducted
	if cost > 0 {
		tag, err := tx.Exec(ctx,
			`UPDATE credit_accounts SET balance = balance - $2, updated_at = NOW()
			 WHERE user_id = $1 AND balance >= $2`,
			record.UserID, cost)
		if err != nil {
			return nil, fmt.Errorf("deduct credits: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var available int64
			err := tx.QueryRow(ctx,
				`SELECT balance FROM credit_accounts WHERE user_id = $1`, record.UserID,
			).Scan(&available)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("read balance: %w", err)
			}
			return nil, &InsufficientCreditsError{Required: cost, Available: available}
		}
	}

	var result models.UsageRecord
	err = tx.QueryRow(ctx,
		`INSERT INTO usage_records (id, user_id, service_name, provider_job_id, input_artifact_url, output_artifact_url, prompt, tokens_deducted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 RETURNING id, user_id, service_name, provider_job_id, input_artifact_url, output_artifact_url, prompt, tokens_deducted, created_at, updated_at`,
		record.ID, record.UserID, record.ServiceName, record.ProviderJobID,
		record.InputArtifactURL, record.OutputArtifactURL, record.Prompt, cost,
	).Scan(&result.ID, &result.UserID, &result.ServiceName, &result.ProviderJobID,
		&result.InputArtifactURL, &result.OutputArtifactURL, &result.Prompt,
		&result.TokensDeducted, &result.CreatedAt, &result.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert usage record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit deduct transaction: %w", err)
	}
	return &result, nil
}

// --- Usage Records ---

func (s *PostgresStore) GetUsageRecord(ctx context.Context, id uuid.UUID) (*models.UsageRecord, error) {
	var r models.UsageRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, service_name, provider_job_id, input_artifact_url, output_artifact_url, prompt, tokens_deducted, created_at, updated_at
		 FROM usage_records WHERE id = $1`, id,
	).Scan(&r.ID, &r.UserID, &r.ServiceName, &r.ProviderJobID,
		&r.InputArtifactURL, &r.OutputArtifactURL, &r.Prompt,
		&r.TokensDeducted, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage record: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) AmendUsageRecord(ctx context.Context, id uuid.UUID, opts ...UsageUpdateOption) error {
	params := &UsageUpdate{}
	for _, opt := range opts {
		opt(params)
	}

	query := `UPDATE usage_records SET updated_at = NOW()`
	args := []any{id}
	argIdx := 2

	if params.InputArtifactURL != nil {
		query += fmt.Sprintf(", input_artifact_url = $%d", argIdx)
		args = append(args, *params.InputArtifactURL)
		argIdx++
	}
	if params.OutputArtifactURL != nil {
		query += fmt.Sprintf(", output_artifact_url = $%d", argIdx)
		args = append(args, *params.OutputArtifactURL)
		argIdx++
	}
	if params.ProviderJobID != nil {
		query += fmt.Sprintf(", provider_job_id = $%d", argIdx)
		args = append(args, *params.ProviderJobID)
		argIdx++
	}

	query += " WHERE id = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("amend usage record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListUsageRecords(ctx context.Context, filter UsageFilter) ([]*models.UsageRecord, int, error) {
	conditions := []string{"user_id = $1"}
	args := []any{filter.UserID}
	argIdx := 2

	if filter.ServiceName != "" {
		conditions = append(conditions, fmt.Sprintf("service_name = $%d", argIdx))
		args = append(args, filter.ServiceName)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM usage_records WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count usage records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT id, user_id, service_name, provider_job_id, input_artifact_url, output_artifact_url, prompt, tokens_deducted, created_at, updated_at
		 FROM usage_records WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	var records []*models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.ServiceName, &r.ProviderJobID,
			&r.InputArtifactURL, &r.OutputArtifactURL, &r.Prompt,
			&r.TokensDeducted, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, &r)
	}
	return records, total, rows.Err()
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, service_name, provider_job_id, status, credits_deducted, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.UserID, job.ServiceName, job.ProviderJobID, job.Status,
		job.CreditsDeducted, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Job, error) {
	var j models.Job
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, service_name, provider_job_id, status, output_url, error_message, credits_deducted, started_at, completed_at, created_at, updated_at
		 FROM jobs WHERE id = $1 AND user_id = $2`, id, userID,
	).Scan(&j.ID, &j.UserID, &j.ServiceName, &j.ProviderJobID, &j.Status,
		&j.OutputURL, &j.ErrorMessage, &j.CreditsDeducted,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &j, nil
}

var validTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusFailed, models.JobStatusCanceled},
	models.JobStatusRunning: {models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCanceled},
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &JobUpdate{}
	for _, opt := range opts {
		opt(params)
	}

	// Fetch current status
	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	// Validate transition
	allowed := validTransitions[currentStatus]
	valid := false
	for _, a := range allowed {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid job status transition: %s -> %s", currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if status == models.JobStatusRunning {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.TerminalJobStatus(status) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.OutputURL != nil {
		query += fmt.Sprintf(", output_url = $%d", argIdx)
		args = append(args, *params.OutputURL)
		argIdx++
	}
	if params.ProviderJobID != nil {
		query += fmt.Sprintf(", provider_job_id = $%d", argIdx)
		args = append(args, *params.ProviderJobID)
		argIdx++
	}

	query += " WHERE id = $1"

	_, err = s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
