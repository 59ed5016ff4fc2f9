package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/teodorv/imagemill/internal/api/middleware"
	"github.com/teodorv/imagemill/internal/api/response"
	"github.com/teodorv/imagemill/internal/store"
	"github.com/teodorv/imagemill/internal/workflow"
	"github.com/teodorv/imagemill/pkg/models"
)

// JobGetter loads a job row scoped to its owner.
type JobGetter interface {
	GetJob(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Job, error)
}

// ProgressCache reads the freshest progress snapshot published by the workflow.
type ProgressCache interface {
	GetJobProgress(ctx context.Context, jobID uuid.UUID) ([]byte, bool, error)
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewJobStatusHandler(jobs JobGetter, progress ProgressCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
			return
		}

		// Ownership check always goes through the store; the cache is keyed
		// by job id alone.
		job, err := jobs.GetJob(r.Context(), jobID, userID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		status := jobStatusResponse{
			JobID:     job.ID.String(),
			Service:   job.ServiceName,
			Status:    job.Status,
			OutputURL: job.OutputURL,
			Error:     job.ErrorMessage,
		}

		// Prefer the cached snapshot while the job is in flight; the row in
		// Postgres can lag one transition behind the workflow.
		if !models.TerminalJobStatus(job.Status) {
			if snapshot, found, err := progress.GetJobProgress(r.Context(), jobID); err == nil && found {
				var event workflow.ProgressEvent
				if json.Unmarshal(snapshot, &event) == nil && event.Status != "" {
					status.Status = event.Status
					if event.OutputURL != nil {
						status.OutputURL = event.OutputURL
					}
					if event.Error != nil {
						status.Error = event.Error
					}
				}
			}
		}

		response.JSON(w, status)
	}
}

type jobStatusResponse struct {
	JobID     string  `json:"job_id"`
	Service   string  `json:"service"`
	Status    string  `json:"status"`
	OutputURL *string `json:"output_url,omitempty"`
	Error     *string `json:"error,omitempty"`
}
