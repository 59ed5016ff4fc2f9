package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	mw "github.com/teodorv/imagemill/internal/api/middleware"
	"github.com/teodorv/imagemill/internal/api/response"
	"github.com/teodorv/imagemill/internal/provider"
	"github.com/teodorv/imagemill/internal/store"
	"github.com/teodorv/imagemill/internal/workflow"
	"github.com/teodorv/imagemill/pkg/models"
)

// Transformer defines the interface the handler depends on.
type Transformer interface {
	Start(ctx context.Context, params workflow.TransformParams) (*models.Job, error)
}

// NewTransformHandler returns an http.HandlerFunc for POST /api/v1/transform.
// The workflow pre-flight (credit deduction, provider submission) runs
// synchronously; polling and archiving continue in the background and the
// client follows progress via GET /api/v1/jobs/{jobID}.
func NewTransformHandler(svc Transformer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		var req struct {
			Service        string `json:"service"`
			SourceImageURL string `json:"source_image_url"`
			Prompt         string `json:"prompt"`
			Scale          int    `json:"scale"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Service == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "service is required", nil)
			return
		}

		job, err := svc.Start(r.Context(), workflow.TransformParams{
			UserID:         userID,
			ServiceName:    req.Service,
			SourceImageURL: req.SourceImageURL,
			Prompt:         req.Prompt,
			Scale:          req.Scale,
		})
		if err != nil {
			writeTransformError(w, err)
			return
		}

		response.Accepted(w, transformResponse{
			JobID:           job.ID.String(),
			Status:          job.Status,
			Service:         job.ServiceName,
			CreditsDeducted: job.CreditsDeducted,
			CreatedAt:       job.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
}

func writeTransformError(w http.ResponseWriter, err error) {
	var insufficient *store.InsufficientCreditsError
	switch {
	case errors.Is(err, workflow.ErrValidation):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.As(err, &insufficient):
		response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS",
			"Not enough credits for this action", map[string]int64{
				"required":  insufficient.Required,
				"available": insufficient.Available,
			})
	case errors.Is(err, provider.ErrProviderRejected):
		response.Error(w, http.StatusBadGateway, "PROVIDER_REJECTED", err.Error(), nil)
	case errors.Is(err, provider.ErrProviderUnreachable):
		response.Error(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE",
			"The inference provider is not available", nil)
	case errors.Is(err, provider.ErrProviderTimeout):
		response.Error(w, http.StatusGatewayTimeout, "PROVIDER_TIMEOUT",
			"The inference provider took too long to respond", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

type transformResponse struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"`
	Service         string `json:"service"`
	CreditsDeducted int64  `json:"credits_deducted"`
	CreatedAt       string `json:"created_at"`
}
