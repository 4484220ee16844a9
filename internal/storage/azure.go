package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureBlobAPI is the subset of Azure Blob Storage the backend uses. Each
// call carries the bearer token it must be authenticated with. This allows
// mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting it if it exists.
	UploadBlob(ctx context.Context, token, containerName, blobName string, data []byte, contentType string) error
	// DownloadBlob downloads a blob's contents.
	DownloadBlob(ctx context.Context, token, containerName, blobName string) ([]byte, error)
}

// bearerCredential hands a token obtained elsewhere to the Azure pipeline.
type bearerCredential struct {
	token string
}

func (c bearerCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: c.token, ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// realAzureClient builds a short-lived azblob client per call.
type realAzureClient struct {
	accountURL string
}

func (c *realAzureClient) newClient(token string) (*azblob.Client, error) {
	opts := &azblob.ClientOptions{
		ClientOptions: policy.ClientOptions{
			// Retries belong to the writer.
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}
	client, err := azblob.NewClient(c.accountURL, bearerCredential{token: token}, opts)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return client, nil
}

func (c *realAzureClient) UploadBlob(ctx context.Context, token, containerName, blobName string, data []byte, contentType string) error {
	client, err := c.newClient(token)
	if err != nil {
		return err
	}
	_, err = client.UploadBuffer(ctx, containerName, blobName, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	return err
}

func (c *realAzureClient) DownloadBlob(ctx context.Context, token, containerName, blobName string) ([]byte, error) {
	client, err := c.newClient(token)
	if err != nil {
		return nil, err
	}
	resp, err := client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// AzureBackend stores files as block blobs in a single container. A file
// path maps to the blob name {prefix}{path without leading slash}.
type AzureBackend struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is prepended to every blob name.
	Prefix string
	client AzureBlobAPI
}

// NewAzureBackend creates an AzureBackend talking to the real service.
func NewAzureBackend(container, accountURL, prefix string) *AzureBackend {
	slog.Info("Azure backend initialized", "container", container, "account", accountURL, "prefix", prefix)
	return NewAzureBackendWithClient(container, accountURL, prefix, &realAzureClient{accountURL: accountURL})
}

// NewAzureBackendWithClient creates an AzureBackend with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureBackendWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}
}

// Name implements Backend.
func (b *AzureBackend) Name() string { return "azure" }

func (b *AzureBackend) blobName(path string) string {
	return b.Prefix + strings.TrimPrefix(path, "/")
}

// Download implements Backend.
func (b *AzureBackend) Download(ctx context.Context, token, path string) ([]byte, error) {
	data, err := b.client.DownloadBlob(ctx, token, b.Container, b.blobName(path))
	if err != nil {
		return nil, azureError("Download", path, err)
	}
	return data, nil
}

// Upload implements Backend. Blob uploads always overwrite; opts.Mute has
// no Azure equivalent.
func (b *AzureBackend) Upload(ctx context.Context, token, path string, data []byte, opts UploadOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := b.client.UploadBlob(ctx, token, b.Container, b.blobName(path), data, contentType); err != nil {
		return azureError("Upload", path, err)
	}
	return nil
}

// azureError converts an Azure failure into an APIError when the service
// answered, leaving transport failures untouched.
func azureError(op, path string, err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return fmt.Errorf("%s %s: %w", strings.ToLower(op), path, err)
	}

	apiErr := &APIError{
		Op:         op,
		Path:       path,
		StatusCode: respErr.StatusCode,
		Body:       respErr.ErrorCode,
		Structured: respErr.ErrorCode != "",
	}
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		apiErr.Reason = "not_found"
	case respErr.StatusCode == http.StatusTooManyRequests,
		bloberror.HasCode(err, bloberror.ServerBusy):
		apiErr.Structured = true
		apiErr.Reason = ReasonTooManyRequests
	}
	if respErr.RawResponse != nil {
		apiErr.RetryAfter = parseRetryAfter(respErr.RawResponse.Header.Get("Retry-After"))
	}
	return apiErr
}

var _ Backend = (*AzureBackend)(nil)
