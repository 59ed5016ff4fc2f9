// Package workflow sequences one image transformation end to end: credit
// check and deduction, provider submission, polling, artifact archiving, and
// usage bookkeeping.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/teodorv/imagemill/internal/cache"
	"github.com/teodorv/imagemill/internal/config"
	"github.com/teodorv/imagemill/internal/provider"
	"github.com/teodorv/imagemill/internal/storage"
	"github.com/teodorv/imagemill/internal/store"
	"github.com/teodorv/imagemill/pkg/models"
)

// ErrValidation marks a request rejected before any external call.
var ErrValidation = errors.New("invalid transform request")

// progressTTL bounds how long progress snapshots live in the cache.
const progressTTL = 30 * time.Minute

// TransformParams is one workflow invocation from the API layer.
type TransformParams struct {
	UserID         uuid.UUID
	ServiceName    string
	SourceImageURL string // remote URL or data URL; unused by generate
	Prompt         string // generate only
	Scale          int    // upscale only; defaults to 4
}

// ProgressEvent is one status update streamed to the caller, terminating in
// either a final output URL or an error.
type ProgressEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    string    `json:"status"`
	OutputURL *string   `json:"output_url,omitempty"`
	Error     *string   `json:"error,omitempty"`
}

// Warning is a non-fatal bookkeeping failure: the workflow outcome stands,
// but some archiving or ledger write degraded. Warnings are returned rather
// than silently dropped so callers can see what degraded.
type Warning struct {
	Stage string
	Err   error
}

// Result is the outcome of one completed workflow run.
type Result struct {
	Job       *models.Job
	Usage     *models.UsageRecord
	OutputURL *string
	Warnings  []Warning
}

// Service orchestrates transformation workflows. Workflows for different
// users run fully independently; the only shared resource is each user's
// credit balance, which the store mutates atomically.
type Service struct {
	provider  provider.Client
	poller    *provider.Poller
	artifacts storage.Store
	store     store.Store
	cache     cache.Cache
	services  config.ServicesConfig
}

// NewService creates a workflow Service with all collaborators injected.
func NewService(client provider.Client, poller *provider.Poller, artifacts storage.Store, st store.Store, ca cache.Cache, services config.ServicesConfig) *Service {
	return &Service{
		provider:  client,
		poller:    poller,
		artifacts: artifacts,
		store:     st,
		cache:     ca,
		services:  services,
	}
}

// runState carries the submitted workflow between the synchronous pre-flight
// and the polling phase.
type runState struct {
	params     TransformParams
	service    config.ServiceConfig
	job        *models.Job
	usage      *models.UsageRecord
	prediction *models.Prediction
	warnings   []Warning
}

// Start runs the pre-flight synchronously (validation, credit deduction,
// provider submission, job row) and drives the rest in a background
// goroutine. Returns the pending job immediately; callers poll its status.
func (s *Service) Start(ctx context.Context, params TransformParams) (*models.Job, error) {
	st, err := s.prepare(ctx, params)
	if err != nil {
		return nil, err
	}

	go s.runDetached(st)

	return st.job, nil
}

// Run executes the full workflow synchronously, streaming progress through
// onProgress. Used directly by callers that want to block for the result.
func (s *Service) Run(ctx context.Context, params TransformParams, onProgress func(ProgressEvent)) (*Result, error) {
	st, err := s.prepare(ctx, params)
	if err != nil {
		return nil, err
	}
	return s.complete(ctx, st, onProgress)
}

// runDetached completes a prepared workflow on a background context so the
// originating HTTP request can return. It recovers from panics and always
// leaves the job in a terminal state.
func (s *Service) runDetached(st *runState) {
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in workflow run", "error", r, "job_id", st.job.ID)
			msg := fmt.Sprintf("panic: %v", r)
			_ = s.store.UpdateJobStatus(ctx, st.job.ID, models.JobStatusFailed, store.WithJobError(msg))
			s.publishProgress(ctx, ProgressEvent{JobID: st.job.ID, Status: models.JobStatusFailed, Error: &msg})
		}
	}()

	result, err := s.complete(ctx, st, nil)
	if err != nil {
		slog.Warn("workflow finished with error",
			"job_id", st.job.ID, "service", st.params.ServiceName, "error", err)
		return
	}
	for _, w := range result.Warnings {
		slog.Warn("workflow bookkeeping degraded",
			"job_id", st.job.ID, "stage", w.Stage, "error", w.Err)
	}
}

// prepare validates the request, deducts credits together with the usage
// record insert, submits the prediction, and creates the job row. The credit
// check precedes submission: no external cost is ever incurred without a
// successful deduction.
func (s *Service) prepare(ctx context.Context, params TransformParams) (*runState, error) {
	svc, input, err := s.buildInput(params)
	if err != nil {
		return nil, err
	}

	ok, available, err := s.store.CheckBalance(ctx, params.UserID, svc.Credits)
	if err != nil {
		return nil, fmt.Errorf("checking balance: %w", err)
	}
	if !ok {
		return nil, &store.InsufficientCreditsError{Required: svc.Credits, Available: available}
	}

	// Deduction and usage insert are one atomic unit. The usage row persists
	// even if the job later fails, standing as a record of the attempt; no
	// refund path exists.
	usageRecord := &models.UsageRecord{
		ID:             uuid.New(),
		UserID:         params.UserID,
		ServiceName:    params.ServiceName,
		TokensDeducted: svc.Credits,
	}
	if params.Prompt != "" {
		usageRecord.Prompt = &params.Prompt
	}
	usage, err := s.store.DeductAndRecord(ctx, usageRecord)
	if err != nil {
		return nil, err
	}

	pred, err := s.provider.CreatePrediction(ctx, provider.PredictionRequest{
		Version: svc.Version,
		Input:   input,
	})
	if err != nil {
		return nil, fmt.Errorf("submitting prediction: %w", err)
	}

	st := &runState{params: params, service: svc, usage: usage, prediction: pred}

	if err := s.store.AmendUsageRecord(ctx, usage.ID, store.WithProviderJobID(pred.ID)); err != nil {
		st.warn("amend_usage_provider_id", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:              uuid.New(),
		UserID:          params.UserID,
		ServiceName:     params.ServiceName,
		ProviderJobID:   &pred.ID,
		Status:          models.JobStatusPending,
		CreditsDeducted: svc.Credits,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	st.job = job

	s.publishProgress(ctx, ProgressEvent{JobID: job.ID, Status: pred.Status})

	return st, nil
}

// complete archives the input, polls the prediction to a terminal state, and
// on success archives the output and amends the usage record with its stable
// URL. Archiving and ledger amendments are best-effort: their failures become
// warnings, never workflow failures.
func (s *Service) complete(ctx context.Context, st *runState, onProgress func(ProgressEvent)) (*Result, error) {
	job := st.job

	if err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning); err != nil {
		st.warn("mark_job_running", err)
	}

	// Input archiving is independent of job completion: failed jobs still
	// show what was submitted.
	if st.params.SourceImageURL != "" {
		name := artifactName(st.prediction.ID, "in")
		if url, err := s.artifacts.Persist(ctx, st.params.SourceImageURL, name); err != nil {
			st.warn("persist_input_artifact", err)
		} else if err := s.store.AmendUsageRecord(ctx, st.usage.ID, store.WithInputArtifactURL(url)); err != nil {
			st.warn("amend_usage_input_url", err)
		}
	}

	emit := func(e ProgressEvent) {
		s.publishProgress(ctx, e)
		if onProgress != nil {
			onProgress(e)
		}
	}

	final, err := s.poller.RunToCompletion(ctx, st.prediction, func(p models.Prediction) {
		if !p.Terminal() {
			emit(ProgressEvent{JobID: job.ID, Status: p.Status})
		}
	})
	if err != nil {
		return nil, s.fail(ctx, st, emit, err)
	}

	// Archive the output under a stable name. If archiving fails the job
	// result is still reported with the transient provider URL.
	outputURL := final.Output
	if final.Output != nil && *final.Output != "" {
		name := artifactName(final.ID, "out")
		if url, err := s.artifacts.Persist(ctx, *final.Output, name); err != nil {
			st.warn("persist_output_artifact", err)
		} else {
			outputURL = &url
			if err := s.store.AmendUsageRecord(ctx, st.usage.ID, store.WithOutputArtifactURL(url)); err != nil {
				st.warn("amend_usage_output_url", err)
			}
		}
	}

	opts := []store.JobUpdateOption{}
	if outputURL != nil {
		opts = append(opts, store.WithJobOutputURL(*outputURL))
	}
	if err := s.store.UpdateJobStatus(ctx, job.ID, models.JobStatusSucceeded, opts...); err != nil {
		st.warn("mark_job_succeeded", err)
	}

	emit(ProgressEvent{JobID: job.ID, Status: models.JobStatusSucceeded, OutputURL: outputURL})

	job.Status = models.JobStatusSucceeded
	job.OutputURL = outputURL
	return &Result{Job: job, Usage: st.usage, OutputURL: outputURL, Warnings: st.warnings}, nil
}

// fail records a terminal failure or cancellation. The usage record keeps its
// deduction and stays without an output URL, as evidence of the attempt.
func (s *Service) fail(ctx context.Context, st *runState, emit func(ProgressEvent), cause error) error {
	status := models.JobStatusFailed
	if errors.Is(cause, provider.ErrJobCanceled) || errors.Is(cause, context.Canceled) {
		status = models.JobStatusCanceled
	}

	msg := cause.Error()
	if err := s.store.UpdateJobStatus(ctx, st.job.ID, status, store.WithJobError(msg)); err != nil {
		st.warn("mark_job_"+status, err)
	}
	emit(ProgressEvent{JobID: st.job.ID, Status: status, Error: &msg})

	st.job.Status = status
	st.job.ErrorMessage = &msg
	return cause
}

// buildInput resolves the service configuration and the provider input
// parameters, validating the request before any external call.
func (s *Service) buildInput(params TransformParams) (config.ServiceConfig, map[string]any, error) {
	svc, ok := s.services.ByName(params.ServiceName)
	if !ok {
		return config.ServiceConfig{}, nil, fmt.Errorf("%w: unknown service %q", ErrValidation, params.ServiceName)
	}

	switch params.ServiceName {
	case "upscale":
		if params.SourceImageURL == "" {
			return config.ServiceConfig{}, nil, fmt.Errorf("%w: source image is required", ErrValidation)
		}
		scale := params.Scale
		if scale == 0 {
			scale = 4
		}
		if scale < 2 || scale > 10 {
			return config.ServiceConfig{}, nil, fmt.Errorf("%w: scale must be between 2 and 10, got %d", ErrValidation, scale)
		}
		return svc, map[string]any{
			"image":        params.SourceImageURL,
			"scale":        scale,
			"face_enhance": false,
		}, nil

	case "colorize":
		if params.SourceImageURL == "" {
			return config.ServiceConfig{}, nil, fmt.Errorf("%w: source image is required", ErrValidation)
		}
		return svc, map[string]any{
			"image": params.SourceImageURL,
		}, nil

	default: // generate
		if params.Prompt == "" {
			return config.ServiceConfig{}, nil, fmt.Errorf("%w: prompt is required", ErrValidation)
		}
		return svc, map[string]any{
			"prompt": params.Prompt,
		}, nil
	}
}

// publishProgress mirrors a progress event into the cache for the poll
// endpoint. Best-effort: a cache failure never affects the workflow.
func (s *Service) publishProgress(ctx context.Context, event ProgressEvent) {
	snapshot, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.cache.SetJobProgress(ctx, event.JobID, snapshot, progressTTL); err != nil {
		slog.Warn("caching job progress failed", "job_id", event.JobID, "error", err)
	}
}

func (st *runState) warn(stage string, err error) {
	st.warnings = append(st.warnings, Warning{Stage: stage, Err: err})
}

// artifactName builds the storage object name for one side of a prediction.
func artifactName(predictionID, side string) string {
	return fmt.Sprintf("%s_%s_%d.png", predictionID, side, time.Now().UnixMilli())
}
