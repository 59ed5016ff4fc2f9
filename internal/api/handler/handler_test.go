package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mw "github.com/teodorv/imagemill/internal/api/middleware"
	"github.com/teodorv/imagemill/internal/provider"
	"github.com/teodorv/imagemill/internal/store"
	"github.com/teodorv/imagemill/internal/workflow"
	"github.com/teodorv/imagemill/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func authedReq(method, path string, body any, userID uuid.UUID) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r.WithContext(mw.SetUserID(r.Context(), userID))
}

// withURLParam attaches a chi route parameter the way the router would.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Data
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error
}

// ─── transform handler ───────────────────────────────────────────────────────

type mockTransformer struct {
	fn func(params workflow.TransformParams) (*models.Job, error)
}

func (m *mockTransformer) Start(_ context.Context, params workflow.TransformParams) (*models.Job, error) {
	return m.fn(params)
}

func TestTransformHandler_Accepted(t *testing.T) {
	userID := uuid.New()
	jobID := uuid.New()
	var captured workflow.TransformParams

	h := NewTransformHandler(&mockTransformer{fn: func(params workflow.TransformParams) (*models.Job, error) {
		captured = params
		return &models.Job{
			ID:              jobID,
			UserID:          params.UserID,
			ServiceName:     params.ServiceName,
			Status:          models.JobStatusPending,
			CreditsDeducted: 10,
			CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}, nil
	}})

	rec := httptest.NewRecorder()
	h(rec, authedReq(http.MethodPost, "/api/v1/transform", map[string]any{
		"service":          "upscale",
		"source_image_url": "https://example.com/cat.png",
		"scale":            2,
	}, userID))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, userID, captured.UserID)
	assert.Equal(t, "upscale", captured.ServiceName)
	assert.Equal(t, 2, captured.Scale)

	data := decodeData(t, rec)
	assert.Equal(t, jobID.String(), data["job_id"])
	assert.Equal(t, models.JobStatusPending, data["status"])
	assert.Equal(t, "upscale", data["service"])
	assert.Equal(t, float64(10), data["credits_deducted"])
	assert.Equal(t, "2026-03-01T12:00:00Z", data["created_at"])
}

func TestTransformHandler_MissingUser(t *testing.T) {
	h := NewTransformHandler(&mockTransformer{fn: func(workflow.TransformParams) (*models.Job, error) {
		t.Fatal("must not be called")
		return nil, nil
	}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transform", bytes.NewBufferString(`{}`))
	h(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTransformHandler_BadRequests(t *testing.T) {
	h := NewTransformHandler(&mockTransformer{fn: func(workflow.TransformParams) (*models.Job, error) {
		return nil, nil
	}})

	t.Run("invalid json", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/transform", bytes.NewBufferString(`{nope`))
		req = req.WithContext(mw.SetUserID(req.Context(), uuid.New()))
		h(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", decodeErr(t, rec)["code"])
	})

	t.Run("missing service", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h(rec, authedReq(http.MethodPost, "/api/v1/transform", map[string]any{
			"source_image_url": "https://example.com/cat.png",
		}, uuid.New()))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestTransformHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "validation",
			err:        workflow.ErrValidation,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "insufficient credits",
			err:        &store.InsufficientCreditsError{Required: 10, Available: 3},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   "INSUFFICIENT_CREDITS",
		},
		{
			name:       "provider rejected",
			err:        provider.ErrProviderRejected,
			wantStatus: http.StatusBadGateway,
			wantCode:   "PROVIDER_REJECTED",
		},
		{
			name:       "provider unreachable",
			err:        provider.ErrProviderUnreachable,
			wantStatus: http.StatusBadGateway,
			wantCode:   "PROVIDER_UNAVAILABLE",
		},
		{
			name:       "provider timeout",
			err:        provider.ErrProviderTimeout,
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "PROVIDER_TIMEOUT",
		},
		{
			name:       "unexpected",
			err:        errors.New("pool exhausted"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewTransformHandler(&mockTransformer{fn: func(workflow.TransformParams) (*models.Job, error) {
				return nil, tt.err
			}})

			rec := httptest.NewRecorder()
			h(rec, authedReq(http.MethodPost, "/api/v1/transform", map[string]any{
				"service": "upscale",
			}, uuid.New()))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeErr(t, rec)["code"])
		})
	}
}

func TestTransformHandler_InsufficientCreditsDetails(t *testing.T) {
	h := NewTransformHandler(&mockTransformer{fn: func(workflow.TransformParams) (*models.Job, error) {
		return nil, &store.InsufficientCreditsError{Required: 10, Available: 3}
	}})

	rec := httptest.NewRecorder()
	h(rec, authedReq(http.MethodPost, "/api/v1/transform", map[string]any{"service": "upscale"}, uuid.New()))

	errObj := decodeErr(t, rec)
	details := errObj["details"].(map[string]any)
	assert.Equal(t, float64(10), details["required"])
	assert.Equal(t, float64(3), details["available"])
}

// ─── job status handler ──────────────────────────────────────────────────────

type mockJobGetter struct {
	fn func(id, userID uuid.UUID) (*models.Job, error)
}

func (m *mockJobGetter) GetJob(_ context.Context, id, userID uuid.UUID) (*models.Job, error) {
	return m.fn(id, userID)
}

type mockProgressCache struct {
	snapshot []byte
}

func (m *mockProgressCache) GetJobProgress(_ context.Context, _ uuid.UUID) ([]byte, bool, error) {
	if m.snapshot == nil {
		return nil, false, nil
	}
	return m.snapshot, true, nil
}

func jobStatusReq(userID uuid.UUID, jobID string) *http.Request {
	r := authedReq(http.MethodGet, "/api/v1/jobs/"+jobID, nil, userID)
	return withURLParam(r, "jobID", jobID)
}

func TestJobStatusHandler_TerminalJobFromStore(t *testing.T) {
	userID := uuid.New()
	jobID := uuid.New()
	outputURL := "https://storage.local/object/public/images/out.png"

	jobs := &mockJobGetter{fn: func(id, uid uuid.UUID) (*models.Job, error) {
		assert.Equal(t, jobID, id)
		assert.Equal(t, userID, uid)
		return &models.Job{
			ID: jobID, UserID: userID, ServiceName: "upscale",
			Status: models.JobStatusSucceeded, OutputURL: &outputURL,
		}, nil
	}}
	// A stale cached snapshot must not override a terminal row
	cache := &mockProgressCache{snapshot: []byte(`{"status":"processing"}`)}

	rec := httptest.NewRecorder()
	NewJobStatusHandler(jobs, cache)(rec, jobStatusReq(userID, jobID.String()))

	assert.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, models.JobStatusSucceeded, data["status"])
	assert.Equal(t, outputURL, data["output_url"])
}

func TestJobStatusHandler_InFlightOverlaysSnapshot(t *testing.T) {
	userID := uuid.New()
	jobID := uuid.New()

	jobs := &mockJobGetter{fn: func(_, _ uuid.UUID) (*models.Job, error) {
		return &models.Job{ID: jobID, UserID: userID, ServiceName: "upscale", Status: models.JobStatusPending}, nil
	}}
	cache := &mockProgressCache{snapshot: []byte(`{"job_id":"` + jobID.String() + `","status":"processing"}`)}

	rec := httptest.NewRecorder()
	NewJobStatusHandler(jobs, cache)(rec, jobStatusReq(userID, jobID.String()))

	data := decodeData(t, rec)
	assert.Equal(t, "processing", data["status"], "snapshot is fresher than the row")
}

func TestJobStatusHandler_InFlightNoSnapshot(t *testing.T) {
	userID := uuid.New()
	jobID := uuid.New()

	jobs := &mockJobGetter{fn: func(_, _ uuid.UUID) (*models.Job, error) {
		return &models.Job{ID: jobID, UserID: userID, ServiceName: "upscale", Status: models.JobStatusRunning}, nil
	}}

	rec := httptest.NewRecorder()
	NewJobStatusHandler(jobs, &mockProgressCache{})(rec, jobStatusReq(userID, jobID.String()))

	data := decodeData(t, rec)
	assert.Equal(t, models.JobStatusRunning, data["status"])
}

func TestJobStatusHandler_NotFound(t *testing.T) {
	jobs := &mockJobGetter{fn: func(_, _ uuid.UUID) (*models.Job, error) {
		return nil, store.ErrNotFound
	}}

	rec := httptest.NewRecorder()
	NewJobStatusHandler(jobs, &mockProgressCache{})(rec, jobStatusReq(uuid.New(), uuid.New().String()))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeErr(t, rec)["code"])
}

func TestJobStatusHandler_InvalidID(t *testing.T) {
	jobs := &mockJobGetter{fn: func(_, _ uuid.UUID) (*models.Job, error) {
		t.Fatal("must not be called")
		return nil, nil
	}}

	rec := httptest.NewRecorder()
	NewJobStatusHandler(jobs, &mockProgressCache{})(rec, jobStatusReq(uuid.New(), "not-a-uuid"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ─── usage handler ───────────────────────────────────────────────────────────

type mockUsageLister struct {
	fn func(filter store.UsageFilter) ([]*models.UsageRecord, int, error)
}

func (m *mockUsageLister) ListUsageRecords(_ context.Context, filter store.UsageFilter) ([]*models.UsageRecord, int, error) {
	return m.fn(filter)
}

func TestUsageHandler_ListWithPagination(t *testing.T) {
	userID := uuid.New()
	providerID := "pred-1"
	var captured store.UsageFilter

	h := NewUsageHandler(&mockUsageLister{fn: func(filter store.UsageFilter) ([]*models.UsageRecord, int, error) {
		captured = filter
		return []*models.UsageRecord{{
			ID:             uuid.New(),
			UserID:         userID,
			ServiceName:    "upscale",
			ProviderJobID:  &providerID,
			TokensDeducted: 10,
			CreatedAt:      time.Now().UTC(),
		}}, 41, nil
	}})

	rec := httptest.NewRecorder()
	h(rec, authedReq(http.MethodGet, "/api/v1/usage?page=2&limit=20&service=upscale", nil, userID))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, captured.UserID)
	assert.Equal(t, "upscale", captured.ServiceName)
	assert.Equal(t, 2, captured.Page)
	assert.Equal(t, 20, captured.Limit)

	var env struct {
		Data []map[string]any `json:"data"`
		Meta struct {
			Page    int  `json:"page"`
			Limit   int  `json:"limit"`
			Total   int  `json:"total"`
			HasNext bool `json:"has_next"`
		} `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	require.Len(t, env.Data, 1)
	assert.Equal(t, "upscale", env.Data[0]["service"])
	assert.Equal(t, "pred-1", env.Data[0]["provider_job_id"])
	assert.Equal(t, 2, env.Meta.Page)
	assert.Equal(t, 41, env.Meta.Total)
	assert.True(t, env.Meta.HasNext)
}

func TestUsageHandler_DefaultsAndCaps(t *testing.T) {
	var captured store.UsageFilter
	h := NewUsageHandler(&mockUsageLister{fn: func(filter store.UsageFilter) ([]*models.UsageRecord, int, error) {
		captured = filter
		return nil, 0, nil
	}})

	rec := httptest.NewRecorder()
	h(rec, authedReq(http.MethodGet, "/api/v1/usage?limit=9999", nil, uuid.New()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, captured.Page)
	assert.Equal(t, 100, captured.Limit)
}

func TestUsageHandler_StoreError(t *testing.T) {
	h := NewUsageHandler(&mockUsageLister{fn: func(store.UsageFilter) ([]*models.UsageRecord, int, error) {
		return nil, 0, errors.New("db down")
	}})

	rec := httptest.NewRecorder()
	h(rec, authedReq(http.MethodGet, "/api/v1/usage", nil, uuid.New()))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// ─── credits handlers ────────────────────────────────────────────────────────

type mockAccounts struct {
	getFn func(userID uuid.UUID) (*models.CreditAccount, error)
	addFn func(userID uuid.UUID, amount int64) (*models.CreditAccount, error)
}

func (m *mockAccounts) GetCreditAccount(_ context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	return m.getFn(userID)
}

func (m *mockAccounts) AddCredits(_ context.Context, userID uuid.UUID, amount int64) (*models.CreditAccount, error) {
	return m.addFn(userID, amount)
}

func TestBalanceHandler_Found(t *testing.T) {
	userID := uuid.New()
	h := NewBalanceHandler(&mockAccounts{getFn: func(uid uuid.UUID) (*models.CreditAccount, error) {
		return &models.CreditAccount{UserID: uid, Balance: 120}, nil
	}})

	rec := httptest.NewRecorder()
	h(rec, authedReq(http.MethodGet, "/api/v1/credits", nil, userID))

	assert.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, userID.String(), data["user_id"])
	assert.Equal(t, float64(120), data["balance"])
}

func TestBalanceHandler_NeverFundedReadsZero(t *testing.T) {
	h := NewBalanceHandler(&mockAccounts{getFn: func(uuid.UUID) (*models.CreditAccount, error) {
		return nil, store.ErrNotFound
	}})

	rec := httptest.NewRecorder()
	h(rec, authedReq(http.MethodGet, "/api/v1/credits", nil, uuid.New()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeData(t, rec)["balance"])
}

func TestGrantCreditsHandler_Success(t *testing.T) {
	target := uuid.New()
	h := NewGrantCreditsHandler(&mockAccounts{addFn: func(uid uuid.UUID, amount int64) (*models.CreditAccount, error) {
		assert.Equal(t, target, uid)
		assert.Equal(t, int64(50), amount)
		return &models.CreditAccount{UserID: uid, Balance: 150}, nil
	}})

	rec := httptest.NewRecorder()
	h(rec, authedReq(http.MethodPost, "/api/v1/admin/credits", map[string]any{
		"user_id": target.String(),
		"amount":  50,
	}, uuid.New()))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(150), decodeData(t, rec)["balance"])
}

func TestGrantCreditsHandler_Invalid(t *testing.T) {
	h := NewGrantCreditsHandler(&mockAccounts{addFn: func(uuid.UUID, int64) (*models.CreditAccount, error) {
		t.Fatal("must not be called")
		return nil, nil
	}})

	t.Run("bad user id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h(rec, authedReq(http.MethodPost, "/api/v1/admin/credits", map[string]any{
			"user_id": "nope", "amount": 50,
		}, uuid.New()))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h(rec, authedReq(http.MethodPost, "/api/v1/admin/credits", map[string]any{
			"user_id": uuid.New().String(), "amount": 0,
		}, uuid.New()))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

// ─── key handlers ────────────────────────────────────────────────────────────

type mockKeyStore struct {
	created *models.APIKey
	listFn  func(userID uuid.UUID) ([]*models.APIKey, error)
	revoke  func(id, userID uuid.UUID) error
}

func (m *mockKeyStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.created = key
	return nil
}

func (m *mockKeyStore) ListAPIKeys(_ context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	return m.listFn(userID)
}

func (m *mockKeyStore) RevokeAPIKey(_ context.Context, id, userID uuid.UUID) error {
	return m.revoke(id, userID)
}

func TestCreateKeyHandler_Success(t *testing.T) {
	target := uuid.New()
	ks := &mockKeyStore{}

	rec := httptest.NewRecorder()
	NewCreateKeyHandler(ks)(rec, authedReq(http.MethodPost, "/api/v1/admin/keys", map[string]any{
		"user_id": target.String(),
		"name":    "ci key",
	}, uuid.New()))

	assert.Equal(t, http.StatusCreated, rec.Code)
	data := decodeData(t, rec)

	rawKey := data["key"].(string)
	assert.True(t, len(rawKey) > keyPrefixLen)
	assert.Equal(t, "im_", rawKey[:3])

	// Only the hash is stored; it must verify against the raw key
	require.NotNil(t, ks.created)
	assert.Equal(t, target, ks.created.UserID)
	assert.Equal(t, rawKey[:keyPrefixLen], ks.created.KeyPrefix)
	assert.NotEqual(t, rawKey, ks.created.KeyHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(ks.created.KeyHash), []byte(rawKey)))

	// Default scope
	assert.Equal(t, []string{"transform"}, ks.created.Scopes)
}

func TestCreateKeyHandler_MissingName(t *testing.T) {
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(&mockKeyStore{})(rec, authedReq(http.MethodPost, "/api/v1/admin/keys", map[string]any{
		"user_id": uuid.New().String(),
	}, uuid.New()))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListKeysHandler(t *testing.T) {
	userID := uuid.New()
	ks := &mockKeyStore{listFn: func(uid uuid.UUID) ([]*models.APIKey, error) {
		assert.Equal(t, userID, uid)
		return []*models.APIKey{{ID: uuid.New(), UserID: uid, Name: "ci key"}}, nil
	}}

	rec := httptest.NewRecorder()
	NewListKeysHandler(ks)(rec, authedReq(http.MethodGet, "/api/v1/admin/keys", nil, userID))

	assert.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data []map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	require.Len(t, env.Data, 1)
	assert.Equal(t, "ci key", env.Data[0]["name"])
}

func TestRevokeKeyHandler(t *testing.T) {
	userID := uuid.New()
	keyID := uuid.New()

	t.Run("success", func(t *testing.T) {
		ks := &mockKeyStore{revoke: func(id, uid uuid.UUID) error {
			assert.Equal(t, keyID, id)
			assert.Equal(t, userID, uid)
			return nil
		}}

		rec := httptest.NewRecorder()
		req := authedReq(http.MethodDelete, "/api/v1/admin/keys/"+keyID.String(), nil, userID)
		NewRevokeKeyHandler(ks)(rec, withURLParam(req, "keyID", keyID.String()))

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("not found", func(t *testing.T) {
		ks := &mockKeyStore{revoke: func(_, _ uuid.UUID) error { return store.ErrNotFound }}

		rec := httptest.NewRecorder()
		req := authedReq(http.MethodDelete, "/api/v1/admin/keys/"+keyID.String(), nil, userID)
		NewRevokeKeyHandler(ks)(rec, withURLParam(req, "keyID", keyID.String()))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		ks := &mockKeyStore{revoke: func(_, _ uuid.UUID) error {
			t.Fatal("must not be called")
			return nil
		}}

		rec := httptest.NewRecorder()
		req := authedReq(http.MethodDelete, "/api/v1/admin/keys/nope", nil, userID)
		NewRevokeKeyHandler(ks)(rec, withURLParam(req, "keyID", "nope"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
