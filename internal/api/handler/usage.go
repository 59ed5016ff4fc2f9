package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	mw "github.com/teodorv/imagemill/internal/api/middleware"
	"github.com/teodorv/imagemill/internal/api/response"
	"github.com/teodorv/imagemill/internal/store"
	"github.com/teodorv/imagemill/pkg/models"
)

// UsageLister lists a user's usage history.
type UsageLister interface {
	ListUsageRecords(ctx context.Context, filter store.UsageFilter) ([]*models.UsageRecord, int, error)
}

// NewUsageHandler returns an http.HandlerFunc for GET /api/v1/usage.
func NewUsageHandler(usage UsageLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		if page <= 0 {
			page = 1
		}
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		records, total, err := usage.ListUsageRecords(r.Context(), store.UsageFilter{
			UserID:      userID,
			ServiceName: q.Get("service"),
			Page:        page,
			Limit:       limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list usage", nil)
			return
		}

		items := make([]usageResponse, 0, len(records))
		for _, rec := range records {
			items = append(items, usageResponse{
				ID:                rec.ID.String(),
				Service:           rec.ServiceName,
				ProviderJobID:     rec.ProviderJobID,
				InputArtifactURL:  rec.InputArtifactURL,
				OutputArtifactURL: rec.OutputArtifactURL,
				Prompt:            rec.Prompt,
				TokensDeducted:    rec.TokensDeducted,
				CreatedAt:         rec.CreatedAt.UTC().Format(time.RFC3339),
			})
		}

		response.Collection(w, items, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

type usageResponse struct {
	ID                string  `json:"id"`
	Service           string  `json:"service"`
	ProviderJobID     *string `json:"provider_job_id,omitempty"`
	InputArtifactURL  *string `json:"input_artifact_url,omitempty"`
	OutputArtifactURL *string `json:"output_artifact_url,omitempty"`
	Prompt            *string `json:"prompt,omitempty"`
	TokensDeducted    int64   `json:"tokens_deducted"`
	CreatedAt         string  `json:"created_at"`
}
