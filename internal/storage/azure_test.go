package storage

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// mockAzureClient implements AzureBlobAPI for unit testing.
type mockAzureClient struct {
	// blobs stores blob data keyed by "container/blobName".
	blobs map[string][]byte
	// uploadCalls tracks the number of UploadBlob calls.
	uploadCalls int
	// uploadErr, when set, is returned by UploadBlob.
	uploadErr error
	lastToken string
}

func newMockAzureClient() *mockAzureClient {
	return &mockAzureClient{blobs: make(map[string][]byte)}
}

func (m *mockAzureClient) blobKey(containerName, blobName string) string {
	return containerName + "/" + blobName
}

func (m *mockAzureClient) UploadBlob(ctx context.Context, token, containerName, blobName string, data []byte, contentType string) error {
	m.uploadCalls++
	m.lastToken = token
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.blobs[m.blobKey(containerName, blobName)] = data
	return nil
}

func (m *mockAzureClient) DownloadBlob(ctx context.Context, token, containerName, blobName string) ([]byte, error) {
	m.lastToken = token
	data, ok := m.blobs[m.blobKey(containerName, blobName)]
	if !ok {
		return nil, azureResponseError(http.StatusNotFound, "BlobNotFound", "")
	}
	return data, nil
}

// azureResponseError builds the error the SDK returns for a failed call.
func azureResponseError(status int, code, retryAfter string) *azcore.ResponseError {
	header := http.Header{}
	if retryAfter != "" {
		header.Set("Retry-After", retryAfter)
	}
	req, _ := http.NewRequest(http.MethodPut, "https://teststorage.blob.core.windows.net/c/b", nil)
	return &azcore.ResponseError{
		ErrorCode:   code,
		StatusCode:  status,
		RawResponse: &http.Response{StatusCode: status, Header: header, Request: req},
	}
}

func newTestAzureBackend(t *testing.T) (*AzureBackend, *mockAzureClient) {
	t.Helper()
	mock := newMockAzureClient()
	backend := NewAzureBackendWithClient("test-container", "https://teststorage.blob.core.windows.net", "lb/", mock)
	return backend, mock
}

func TestAzureUploadAndDownload(t *testing.T) {
	backend, mock := newTestAzureBackend(t)
	ctx := context.Background()

	if err := backend.Upload(ctx, "tok", "/Listings/address.json", []byte(`{"a":1}`), UploadOptions{}); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if _, ok := mock.blobs["test-container/lb/Listings/address.json"]; !ok {
		t.Fatalf("blob not stored under prefixed name, have %v", mock.blobs)
	}
	if mock.lastToken != "tok" {
		t.Errorf("token = %q", mock.lastToken)
	}

	data, err := backend.Download(ctx, "tok", "/Listings/address.json")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Errorf("data = %q", data)
	}
}

func TestAzureDownloadNotFound(t *testing.T) {
	backend, _ := newTestAzureBackend(t)
	_, err := backend.Download(context.Background(), "tok", "/missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Reason != "not_found" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if apiErr.RateLimited() {
		t.Error("not found must not be rate limited")
	}
}

func TestAzureErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantAPI     bool
		structured  bool
		rateLimited bool
		backoff     time.Duration
	}{
		{
			name:    "server busy",
			err:     azureResponseError(http.StatusServiceUnavailable, "ServerBusy", "4"),
			wantAPI: true, structured: true, rateLimited: true, backoff: 4 * time.Second,
		},
		{
			name:    "429 without code",
			err:     azureResponseError(http.StatusTooManyRequests, "", ""),
			wantAPI: true, structured: true, rateLimited: true, backoff: DefaultRetryAfter,
		},
		{
			name:    "auth failure",
			err:     azureResponseError(http.StatusForbidden, "AuthenticationFailed", ""),
			wantAPI: true, structured: true, backoff: DefaultRetryAfter,
		},
		{
			name:    "bare 500",
			err:     azureResponseError(http.StatusInternalServerError, "", ""),
			wantAPI: true, structured: false, backoff: DefaultRetryAfter,
		},
		{
			name:    "transport",
			err:     errors.New("connection reset by peer"),
			wantAPI: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, mock := newTestAzureBackend(t)
			mock.uploadErr = tt.err

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
