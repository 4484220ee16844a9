package storage

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// mockGCSClient implements GCSAPI for unit testing.
type mockGCSClient struct {
	// objects stores all objects keyed by their GCS object name.
	objects map[string][]byte
	// contentTypes records the content type of each write.
	contentTypes map[string]string
	// tokens records the token of every call.
	tokens []string
	// writeErr, when set, is returned by WriteObject.
	writeErr error
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (m *mockGCSClient) ReadObject(ctx context.Context, token, bucket, object string) ([]byte, error) {
	m.tokens = append(m.tokens, token)
	data, ok := m.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	return data, nil
}

func (m *mockGCSClient) WriteObject(ctx context.Context, token, bucket, object string, data []byte, contentType string) error {
	m.tokens = append(m.tokens, token)
	if m.writeErr != nil {
		return m.writeErr
	}
	m.objects[object] = data
	m.contentTypes[object] = contentType
	return nil
}

func newTestGCSBackend(t *testing.T) (*GCSBackend, *mockGCSClient) {
	t.Helper()
	mock := newMockGCSClient()
	return NewGCSBackendWithClient("test-bucket", "lb/", mock), mock
}

func TestGCSUploadAndDownload(t *testing.T) {
	backend, mock := newTestGCSBackend(t)
	ctx := context.Background()

	err := backend.Upload(ctx, "tok-1", "/photos/SIR/a.jpg", []byte("img"), UploadOptions{ContentType: "image/jpeg"})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if _, ok := mock.objects["lb/photos/SIR/a.jpg"]; !ok {
		t.Fatalf("object not stored under prefixed name, have %v", mock.objects)
	}
	if ct := mock.contentTypes["lb/photos/SIR/a.jpg"]; ct != "image/jpeg" {
		t.Errorf("content type = %q", ct)
	}

	data, err := backend.Download(ctx, "tok-2", "/photos/SIR/a.jpg")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if string(data) != "img" {
		t.Errorf("data = %q", data)
	}
	if len(mock.tokens) != 2 || mock.tokens[0] != "tok-1" || mock.tokens[1] != "tok-2" {
		t.Errorf("tokens = %v", mock.tokens)
	}
}

func TestGCSDefaultContentType(t *testing.T) {
	backend, mock := newTestGCSBackend(t)
	if err := backend.Upload(context.Background(), "tok", "/x.json", []byte("{}"), UploadOptions{}); err != nil {
		t.Fatal(err)
	}
	if ct := mock.contentTypes["lb/x.json"]; ct != "application/octet-stream" {
		t.Errorf("content type = %q", ct)
	}
}

func TestGCSDownloadNotFound(t *testing.T) {
	backend, _ := newTestGCSBackend(t)
	_, err := backend.Download(context.Background(), "tok", "/missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
}

func TestGCSErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantAPI     bool
		structured  bool
		rateLimited bool
		backoff     time.Duration
	}{
		{
			name: "429 with retry-after",
			err: &googleapi.Error{
				Code:    http.StatusTooManyRequests,
				Message: "The object exceeded the rate limit",
				Header:  http.Header{"Retry-After": []string{"3"}},
			},
			wantAPI: true, structured: true, rateLimited: true, backoff: 3 * time.Second,
		},
		{
			name: "rateLimitExceeded reason",
			err: &googleapi.Error{
				Code:    http.StatusForbidden,
				Message: "Rate limit exceeded",
				Errors:  []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}},
			},
			wantAPI: true, structured: true, rateLimited: true, backoff: DefaultRetryAfter,
		},
		{
			name:    "forbidden",
			err:     &googleapi.Error{Code: http.StatusForbidden, Message: "Access denied"},
			wantAPI: true, structured: true, backoff: DefaultRetryAfter,
		},
		{
			name:    "non-json body",
			err:     &googleapi.Error{Code: http.StatusBadGateway, Body: "<html>"},
			wantAPI: true, structured: false, backoff: DefaultRetryAfter,
		},
		{
			name:    "transport",
			err:     errors.New("dial tcp: connection refused"),
			wantAPI: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, mock := newTestGCSBackend(t)
			mock.writeErr = tt.err

			err := backend.Upload(context.Background(), "tok", "/a", nil, UploadOptions{})
			var apiErr *APIError
			if got := errors.As(err, &apiErr); got != tt.wantAPI {
				t.Fatalf("APIError = %v, want %v (%v)", got, tt.wantAPI, err)
			}
			if !tt.wantAPI {
				if !errors.Is(err, tt.err) {
					t.Errorf("transport error not wrapped: %v", err)
				}
				return
			}
			if apiErr.Structured != tt.structured {
				t.Errorf("Structured = %v, want %v", apiErr.Structured, tt.structured)
			}
			if apiErr.RateLimited() != tt.rateLimited {
				t.Errorf("RateLimited = %v, want %v", apiErr.RateLimited(), tt.rateLimited)
			}
			if apiErr.Backoff() != tt.backoff {
				t.Errorf("Backoff = %v, want %v", apiErr.Backoff(), tt.backoff)
			}
		})
	}
}
