// Package storage defines the interface to the remote object-storage API and
// its implementations (Dropbox, Google Cloud Storage, Azure Blob Storage, S3 and
// an in-memory backend for development and tests).
package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reasons reported by backends when a write is rejected for being too
// frequent.
const (
	ReasonTooManyWriteOperations = "too_many_write_operations"
	ReasonTooManyRequests        = "too_many_requests"
)

// DefaultRetryAfter is used when a rate-limit response carries no usable
// retry-after value.
const DefaultRetryAfter = time.Second

// Backend reads and writes whole files on the remote storage API. Every call
// is authenticated with the bearer token passed in; backends hold no token
// state. All methods must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Download returns the full content of the file at path. HTTP-level
	// failures are returned as *APIError; transport failures are returned
	// as-is.
	Download(ctx context.Context, token, path string) ([]byte, error)

	// Upload stores data at path, overwriting any existing file and never
	// renaming on conflict. Failures follow the same convention as Download.
	Upload(ctx context.Context, token, path string, data []byte, opts UploadOptions) error
}

// UploadOptions tunes a single upload.
type UploadOptions struct {
	// Mute suppresses user-visible change notifications where the backend
	// supports them.
	Mute bool
	// ContentType is recorded by backends that store one.
	ContentType string
}

// APIError is an error response from the storage API.
type APIError struct {
	// Op is "Download" or "Upload".
	Op   string
	Path string
	// StatusCode is the HTTP status of the response.
	StatusCode int
	// Body is the raw error body.
	Body string
	// Structured reports whether Body was a well-formed error document.
	// Unstructured errors are treated like transport failures by the writer.
	Structured bool
	// Reason is the machine-readable reason tag, when the body had one.
	Reason string
	// RetryAfter is the provider-supplied wait before retrying, zero if absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Op, e.StatusCode, e.Body)
}

// RateLimited reports whether the error signals that writes are too frequent.
func (e *APIError) RateLimited() bool {
	return e.Reason == ReasonTooManyWriteOperations || e.Reason == ReasonTooManyRequests
}

// Backoff returns the wait the provider asked for, defaulting to one second
// when the value is missing or zero.
func (e *APIError) Backoff() time.Duration {
	if e.RetryAfter <= 0 {
		return DefaultRetryAfter
	}
	return e.RetryAfter
}

// parseRetryAfter interprets a Retry-After header value given in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
