package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSAPI is the subset of Cloud Storage the backend uses. Each call carries
// the bearer token it must be authenticated with. This allows mocking in
// tests.
type GCSAPI interface {
	// ReadObject returns the full content of an object.
	ReadObject(ctx context.Context, token, bucket, object string) ([]byte, error)
	// WriteObject replaces an object with data.
	WriteObject(ctx context.Context, token, bucket, object string, data []byte, contentType string) error
}

// realGCSClient builds a short-lived GCS client per call so that every
// request uses the token it was given.
type realGCSClient struct {
	opts []option.ClientOption
}

func (c *realGCSClient) newClient(ctx context.Context, token string) (*gcs.Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, c.opts...)
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return client, nil
}

func (c *realGCSClient) ReadObject(ctx context.Context, token, bucket, object string) ([]byte, error) {
	client, err := c.newClient(ctx, token)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	r, err := client.Bucket(bucket).Object(object).
		Retryer(gcs.WithPolicy(gcs.RetryNever)).
		NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c *realGCSClient) WriteObject(ctx context.Context, token, bucket, object string, data []byte, contentType string) error {
	client, err := c.newClient(ctx, token)
	if err != nil {
		return err
	}
	defer client.Close()

	// Retries belong to the writer; the SDK must report the first failure.
	w := client.Bucket(bucket).Object(object).
		Retryer(gcs.WithPolicy(gcs.RetryNever)).
		NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// GCSBackend stores files as objects in a single Cloud Storage bucket.
// A file path maps to the object name {prefix}{path without leading slash}.
type GCSBackend struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
	client GCSAPI
}

// NewGCSBackend creates a GCSBackend talking to the real Cloud Storage API.
// Extra client options (endpoint overrides, HTTP clients) are passed
// through to every client it creates.
func NewGCSBackend(bucket, prefix string, opts ...option.ClientOption) *GCSBackend {
	slog.Info("GCS backend initialized", "bucket", bucket, "prefix", prefix)
	return NewGCSBackendWithClient(bucket, prefix, &realGCSClient{opts: opts})
}

// NewGCSBackendWithClient creates a GCSBackend with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewGCSBackendWithClient(bucket, prefix string, client GCSAPI) *GCSBackend {
	return &GCSBackend{Bucket: bucket, Prefix: prefix, client: client}
}

// Name implements Backend.
func (b *GCSBackend) Name() string { return "gcs" }

// objectName maps a file path to an upstream object name.
func (b *GCSBackend) objectName(path string) string {
	return b.Prefix + strings.TrimPrefix(path, "/")
}

// Download implements Backend.
func (b *GCSBackend) Download(ctx context.Context, token, path string) ([]byte, error) {
	data, err := b.client.ReadObject(ctx, token, b.Bucket, b.objectName(path))
	if err != nil {
		return nil, gcsError("Download", path, err)
	}
	return data, nil
}

// Upload implements Backend. Objects are always overwritten; GCS has no
// notion of muted changes so opts.Mute is ignored.
func (b *GCSBackend) Upload(ctx context.Context, token, path string, data []byte, opts UploadOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := b.client.WriteObject(ctx, token, b.Bucket, b.objectName(path), data, contentType); err != nil {
		return gcsError("Upload", path, err)
	}
	return nil
}

// gcsError converts a GCS failure into an APIError when the service
// answered, leaving transport failures untouched.
func gcsError(op, path string, err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return &APIError{
			Op:         op,
			Path:       path,
			StatusCode: http.StatusNotFound,
			Body:       err.Error(),
			Structured: true,
			Reason:     "not_found",
		}
	}

	var gErr *googleapi.Error
	if !errors.As(err, &gErr) {
		return fmt.Errorf("%s %s: %w", strings.ToLower(op), path, err)
	}

	apiErr := &APIError{
		Op:         op,
		Path:       path,
		StatusCode: gErr.Code,
		Body:       gErr.Body,
		// googleapi leaves Message empty when the body was not a JSON error.
		Structured: gErr.Message != "" || len(gErr.Errors) > 0,
	}
	if apiErr.Body == "" {
		apiErr.Body = gErr.Message
	}
	if gErr.Code == http.StatusTooManyRequests || hasGCSReason(gErr, "rateLimitExceeded") {
		apiErr.Structured = true
		apiErr.Reason = ReasonTooManyRequests
	}
	if gErr.Header != nil {
		apiErr.RetryAfter = parseRetryAfter(gErr.Header.Get("Retry-After"))
	}
	return apiErr
}

func hasGCSReason(e *googleapi.Error, reason string) bool {
	for _, item := range e.Errors {
		if item.Reason == reason {
			return true
		}
	}
	return false
}

var _ Backend = (*GCSBackend)(nil)
