package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teodorv/imagemill/pkg/models"
)

// Sentinel errors for polling outcomes.
var (
	// ErrJobFailed means the provider reported terminal failure; the wrapped
	// message carries the provider's reason.
	ErrJobFailed = errors.New("job failed")
	// ErrJobCanceled means the job reached the canceled status provider-side.
	ErrJobCanceled = errors.New("job canceled")
	// ErrPollTimeout means the job did not reach a terminal status within the
	// configured maximum wait. Distinct from job failure: the provider-side
	// job may still be running.
	ErrPollTimeout = errors.New("poll timeout")
)

// Poller drives a submitted prediction to a terminal status at a fixed
// interval. One poll is a single blocking request-response; the loop sleeps
// between polls and checks for cancellation at each suspend point.
type Poller struct {
	client   Client
	interval time.Duration
	maxWait  time.Duration
}

// NewPoller creates a Poller. interval is the fixed poll cadence; maxWait
// bounds the total wall time before the poll gives up with ErrPollTimeout.
func NewPoller(client Client, interval, maxWait time.Duration) *Poller {
	return &Poller{client: client, interval: interval, maxWait: maxWait}
}

// RunToCompletion polls the prediction until it reaches a terminal status.
// onProgress is invoked once for the initial status and once per observed
// status change; a terminal status is delivered exactly once. Poll transport
// errors surface immediately rather than being retried, to keep the loop
// bounded. Cancelling ctx stops future polls; it does not and must not
// cancel the provider-side job, which runs on or expires on its own.
func (p *Poller) RunToCompletion(ctx context.Context, initial *models.Prediction, onProgress func(models.Prediction)) (*models.Prediction, error) {
	if onProgress == nil {
		onProgress = func(models.Prediction) {}
	}

	current := initial
	onProgress(*current)
	if current.Terminal() {
		return p.finish(current)
	}

	deadline := time.NewTimer(p.maxWait)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-deadline.C:
			return current, fmt.Errorf("%w: prediction %s still %s after %s",
				ErrPollTimeout, current.ID, current.Status, p.maxWait)
		case <-time.After(p.interval):
		}

		next, err := p.client.GetPrediction(ctx, current.ID)
		if err != nil {
			return current, fmt.Errorf("polling prediction %s: %w", current.ID, err)
		}

		if next.Status != current.Status {
			onProgress(*next)
		}
		current = next

		if current.Terminal() {
			return p.finish(current)
		}
	}
}

func (p *Poller) finish(pred *models.Prediction) (*models.Prediction, error) {
	switch pred.Status {
	case models.PredictionSucceeded:
		return pred, nil
	case models.PredictionCanceled:
		return pred, fmt.Errorf("%w: prediction %s", ErrJobCanceled, pred.ID)
	default:
		reason := "unknown reason"
		if pred.Error != nil && *pred.Error != "" {
			reason = *pred.Error
		}
		return pred, fmt.Errorf("%w: %s", ErrJobFailed, reason)
	}
}
