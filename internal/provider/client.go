// Package provider talks to the external inference provider's predictions API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/teodorv/imagemill/pkg/models"
)

// Sentinel errors for provider client failures.
var (
	// ErrProviderRejected means the provider refused the request (bad
	// parameters, quota, auth). Never retried.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrProviderUnreachable is a transport-level failure.
	ErrProviderUnreachable = errors.New("provider unreachable")
	// ErrProviderTimeout is a request that timed out or was cancelled.
	ErrProviderTimeout = errors.New("provider request timeout")
	// ErrInvalidResponse means the provider returned a payload we cannot
	// interpret, including an unknown status value.
	ErrInvalidResponse = errors.New("provider returned invalid response")
)

// Client is the interface for the inference provider. Submission is a single
// attempt; retry policy, if any, belongs to the caller.
type Client interface {
	CreatePrediction(ctx context.Context, req PredictionRequest) (*models.Prediction, error)
	GetPrediction(ctx context.Context, id string) (*models.Prediction, error)
}

// PredictionRequest holds the model version and its input parameters.
type PredictionRequest struct {
	Version string
	Input   map[string]any
}

// HTTPClient implements Client against a Replicate-style HTTP API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new provider HTTP client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) CreatePrediction(ctx context.Context, req PredictionRequest) (*models.Prediction, error) {
	body, err := json.Marshal(map[string]any{
		"version": req.Version,
		"input":   req.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding prediction request: %w", err)
	}

	u := fmt.Sprintf("%s/v1/predictions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, rejectionError(resp)
	}

	return decodePrediction(resp.Body)
}

func (c *HTTPClient) GetPrediction(ctx context.Context, id string) (*models.Prediction, error) {
	u := fmt.Sprintf("%s/v1/predictions/%s", c.baseURL, url.PathEscape(id))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, rejectionError(resp)
	}

	return decodePrediction(resp.Body)
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Token "+c.token)
}

// rejectionError extracts the provider's detail message from a non-2xx response.
func rejectionError(resp *http.Response) error {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Detail != "" {
		return fmt.Errorf("%w: status %d: %s", ErrProviderRejected, resp.StatusCode, body.Detail)
	}
	return fmt.Errorf("%w: status %d", ErrProviderRejected, resp.StatusCode)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
}

// predictionPayload mirrors the provider's wire shape. The output field is
// duck-typed upstream (a bare URL for image-to-image models, an array of URLs
// for generative ones), so it is decoded leniently and normalized here.
type predictionPayload struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  *string         `json:"error"`
}

func decodePrediction(r io.Reader) (*models.Prediction, error) {
	var p predictionPayload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing prediction id", ErrInvalidResponse)
	}
	if !models.ValidPredictionStatus(p.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidResponse, p.Status)
	}

	output, err := normalizeOutput(p.Output)
	if err != nil {
		return nil, err
	}

	return &models.Prediction{
		ID:     p.ID,
		Status: p.Status,
		Output: output,
		Error:  p.Error,
	}, nil
}

// normalizeOutput accepts a JSON string, an array of strings (last element
// wins, matching the provider's convention for iterative outputs), or null.
func normalizeOutput(raw json.RawMessage) (*string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return &single, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		if len(many) == 0 {
			return nil, nil
		}
		return &many[len(many)-1], nil
	}

	return nil, fmt.Errorf("%w: unexpected output shape %s", ErrInvalidResponse, string(raw))
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
