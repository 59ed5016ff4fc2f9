package storage

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uploadRecorder captures what the storage API received.
type uploadRecorder struct {
	path        string
	body        []byte
	contentType string
	upsert      string
	auth        string
	uploads     int
}

func newStorageServer(t *testing.T, rec *uploadRecorder) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		rec.path = r.URL.Path
		rec.body = body
		rec.contentType = r.Header.Get("Content-Type")
		rec.upsert = r.Header.Get("x-upsert")
		rec.auth = r.Header.Get("Authorization")
		rec.uploads++

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"Key":"images/out.png"}`))
	}))
}

func TestPersist_RemoteSource(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer source.Close()

	var rec uploadRecorder
	dest := newStorageServer(t, &rec)
	defer dest.Close()

	store := NewHTTPStore(dest.URL, "images", "service-key", 5*time.Second)
	publicURL, err := store.Persist(context.Background(), source.URL, "pred-1_output_1700000000000.png")
	require.NoError(t, err)

	assert.Equal(t, "/object/images/pred-1_output_1700000000000.png", rec.path)
	assert.Equal(t, []byte("png-bytes"), rec.body)
	assert.Equal(t, "image/png", rec.contentType)
	assert.Equal(t, "true", rec.upsert)
	assert.Equal(t, "Bearer service-key", rec.auth)

	assert.Equal(t, dest.URL+"/object/public/images/pred-1_output_1700000000000.png", publicURL)
}

func TestPersist_SameNameIsIdempotent(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	}))
	defer source.Close()

	var rec uploadRecorder
	dest := newStorageServer(t, &rec)
	defer dest.Close()

	store := NewHTTPStore(dest.URL, "images", "service-key", 5*time.Second)

	first, err := store.Persist(context.Background(), source.URL, "same.png")
	require.NoError(t, err)
	second, err := store.Persist(context.Background(), source.URL, "same.png")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2, rec.uploads)
}

func TestPersist_DataURLSource(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))

	var rec uploadRecorder
	dest := newStorageServer(t, &rec)
	defer dest.Close()

	store := NewHTTPStore(dest.URL, "images", "service-key", 5*time.Second)
	_, err := store.Persist(context.Background(), "data:image/jpeg;base64,"+payload, "upload.jpg")
	require.NoError(t, err)

	assert.Equal(t, []byte("jpeg-bytes"), rec.body)
	assert.Equal(t, "image/jpeg", rec.contentType)
}

func TestPersist_DataURLWithoutBase64(t *testing.T) {
	var rec uploadRecorder
	dest := newStorageServer(t, &rec)
	defer dest.Close()

	store := NewHTTPStore(dest.URL, "images", "service-key", 5*time.Second)
	_, err := store.Persist(context.Background(), "data:text/plain,hello%20world", "note.txt")
	require.NoError(t, err)

	assert.Equal(t, []byte("hello world"), rec.body)
	assert.Equal(t, "text/plain", rec.contentType)
}

func TestPersist_MalformedDataURL(t *testing.T) {
	store := NewHTTPStore("http://unused", "images", "service-key", 5*time.Second)
	_, err := store.Persist(context.Background(), "data:image/png;base64", "x.png")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestPersist_SourceNotFound(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer source.Close()

	store := NewHTTPStore("http://unused", "images", "service-key", 5*time.Second)
	_, err := store.Persist(context.Background(), source.URL+"/gone.png", "x.png")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestPersist_UploadRejected(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer dest.Close()

	store := NewHTTPStore(dest.URL, "images", "bad-key", 5*time.Second)
	_, err := store.Persist(context.Background(), source.URL, "x.png")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUploadFailed)
}

func TestPersist_StorageUnreachable(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	}))
	defer source.Close()

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dest.Close() // connection refused from here on

	store := NewHTTPStore(dest.URL, "images", "service-key", 5*time.Second)
	_, err := store.Persist(context.Background(), source.URL, "x.png")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorageUnreachable)
}

func TestPublicURL_TrimsTrailingSlash(t *testing.T) {
	store := NewHTTPStore("http://storage.local/storage/v1/", "images", "k", time.Second)
	assert.Equal(t, "http://storage.local/storage/v1/object/public/images/out.png", store.PublicURL("out.png"))
}
