// Package storage archives transient provider artifacts into durable object storage.
package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Sentinel errors for artifact persistence failures.
var (
	// ErrFetchFailed means the source bytes could not be retrieved.
	ErrFetchFailed = errors.New("artifact fetch failed")
	// ErrUploadFailed means object storage refused the upload.
	ErrUploadFailed = errors.New("artifact upload failed")
	// ErrStorageUnreachable is a transport-level failure talking to storage.
	ErrStorageUnreachable = errors.New("object storage unreachable")
)

// maxArtifactBytes caps how much of a source artifact is read into memory.
const maxArtifactBytes = 64 << 20

// Store persists artifacts referenced by transient URLs into durable storage.
type Store interface {
	// Persist fetches the bytes at sourceURL, uploads them under name with
	// upsert semantics, and returns a stable public URL. Re-persisting the
	// same name overwrites, so the call is safely retryable. Blocks until
	// the upload completes; readers never see a partially written object.
	Persist(ctx context.Context, sourceURL, name string) (string, error)
}

// HTTPStore implements Store against a Supabase-style storage HTTP API.
type HTTPStore struct {
	baseURL string
	bucket  string
	apiKey  string
	client  *http.Client
}

// NewHTTPStore creates a new object storage client for one bucket.
func NewHTTPStore(baseURL, bucket, apiKey string, timeout time.Duration) *HTTPStore {
	return &HTTPStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPStore) Persist(ctx context.Context, sourceURL, name string) (string, error) {
	data, contentType, err := s.fetchSource(ctx, sourceURL)
	if err != nil {
		return "", err
	}

	u := fmt.Sprintf("%s/object/%s/%s", s.baseURL, url.PathEscape(s.bucket), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", contentType)
	// Same name overwrites rather than duplicating.
	req.Header.Set("x-upsert", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnreachable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrUploadFailed, resp.StatusCode)
	}

	return s.PublicURL(name), nil
}

// PublicURL returns the stable, publicly resolvable URL for an object name.
func (s *HTTPStore) PublicURL(name string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", s.baseURL, url.PathEscape(s.bucket), url.PathEscape(name))
}

// fetchSource retrieves the artifact bytes. Sources are either remote URLs
// (provider outputs) or data URLs (browser uploads).
func (s *HTTPStore) fetchSource(ctx context.Context, sourceURL string) ([]byte, string, error) {
	if strings.HasPrefix(sourceURL, "data:") {
		return decodeDataURL(sourceURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: building fetch request: %v", ErrFetchFailed, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("%w: status %d fetching %s", ErrFetchFailed, resp.StatusCode, sourceURL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// decodeDataURL parses a data:<mediatype>;base64,<payload> URL.
func decodeDataURL(u string) ([]byte, string, error) {
	rest := strings.TrimPrefix(u, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: malformed data URL", ErrFetchFailed)
	}

	contentType := "application/octet-stream"
	base64Encoded := false
	for i, part := range strings.Split(meta, ";") {
		if part == "base64" {
			base64Encoded = true
		} else if i == 0 && part != "" {
			contentType = part
		}
	}

	if !base64Encoded {
		unescaped, err := url.QueryUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: decoding data URL: %v", ErrFetchFailed, err)
		}
		return []byte(unescaped), contentType, nil
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decoding data URL: %v", ErrFetchFailed, err)
	}
	return data, contentType, nil
}

// Compile-time check that HTTPStore implements Store.
var _ Store = (*HTTPStore)(nil)
