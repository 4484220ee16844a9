package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configures NewS3Backend.
type S3Options struct {
	Bucket string
	Region string
	Prefix string
	// EndpointURL points the client at an S3-compatible service.
	EndpointURL  string
	UsePathStyle bool
	// Static credentials. When empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Backend stores files in a single S3 bucket under an optional key
// prefix. S3 signs requests with its own AWS credentials, so the bearer
// token passed to Download and Upload is not used.
type S3Backend struct {
	Bucket string
	Prefix string
	client S3API
}

// NewS3Backend creates an S3Backend using the AWS SDK. SDK-level retries are
// disabled; the writer owns the retry policy.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewS3BackendWithClient(opts.Bucket, opts.Prefix, client), nil
}

// NewS3BackendWithClient creates an S3Backend with a pre-configured client.
// This is primarily used for testing with mock clients.
func NewS3BackendWithClient(bucket, prefix string, client S3API) *S3Backend {
	return &S3Backend{Bucket: bucket, Prefix: prefix, client: client}
}

// Name implements Backend.
func (b *S3Backend) Name() string { return "s3" }

func (b *S3Backend) key(path string) string {
	return b.Prefix + strings.TrimPrefix(path, "/")
}

// Download implements Backend.
func (b *S3Backend) Download(ctx context.Context, token, path string) ([]byte, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(path)),
	})
	if err != nil {
		return nil, s3Error("Download", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// Upload implements Backend. PutObject always overwrites.
func (b *S3Backend) Upload(ctx context.Context, token, path string, data []byte, opts UploadOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.key(path)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return s3Error("Upload", path, err)
	}
	return nil
}

// s3Error converts an S3 failure into an APIError when the service answered
// with an error code, leaving transport failures untouched.
func s3Error(op, path string, err error) error {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return &APIError{
			Op:         op,
			Path:       path,
			StatusCode: http.StatusNotFound,
			Body:       "NoSuchKey",
			Structured: true,
			Reason:     "not_found",
		}
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s %s: %w", strings.ToLower(op), path, err)
	}

	out := &APIError{
		Op:         op,
		Path:       path,
		Body:       apiErr.ErrorCode(),
		Structured: apiErr.ErrorCode() != "",
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		out.StatusCode = respErr.HTTPStatusCode()
		if respErr.Response != nil && respErr.Response.Response != nil {
			out.RetryAfter = parseRetryAfter(respErr.Response.Header.Get("Retry-After"))
		}
	}

	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "NoSuchBucket":
		out.Reason = "not_found"
	case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded":
		out.Reason = ReasonTooManyRequests
	}
	if out.StatusCode == http.StatusTooManyRequests {
		out.Structured = true
		out.Reason = ReasonTooManyRequests
	}
	return out
}

var _ Backend = (*S3Backend)(nil)
