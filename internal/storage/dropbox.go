package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// Dropbox content endpoints, relative to the content host.
const (
	dropboxDownloadPath = "/2/files/download"
	dropboxUploadPath   = "/2/files/upload"
)

// DropboxBackend talks to the Dropbox content API. File arguments travel in
// the Dropbox-API-Arg header and file bytes in the request/response body.
type DropboxBackend struct {
	client *resty.Client
}

// NewDropboxBackend creates a DropboxBackend for the given content host
// (normally https://content.dropboxapi.com). If hc is nil a default client
// is used.
func NewDropboxBackend(contentURL string, hc *http.Client, logger *slog.Logger) *DropboxBackend {
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.NewWithClient(hc).
		SetBaseURL(strings.TrimSuffix(contentURL, "/")).
		SetLogger(restyLogger{logger.With("component", "dropbox")}).
		SetHeader("User-Agent", "listingbox")
	return &DropboxBackend{client: client}
}

// Name implements Backend.
func (b *DropboxBackend) Name() string { return "dropbox" }

// Download implements Backend.
func (b *DropboxBackend) Download(ctx context.Context, token, path string) ([]byte, error) {
	arg, err := apiArg(struct {
		Path string `json:"path"`
	}{Path: path})
	if err != nil {
		return nil, err
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Dropbox-API-Arg", arg).
		Post(dropboxDownloadPath)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, dropboxAPIError("Download", path, resp)
	}
	return resp.Body(), nil
}

// dropboxUploadArg is the Dropbox-API-Arg document for /2/files/upload.
type dropboxUploadArg struct {
	Path       string `json:"path"`
	Mode       string `json:"mode"`
	Autorename bool   `json:"autorename"`
	Mute       bool   `json:"mute"`
}

// Upload implements Backend.
func (b *DropboxBackend) Upload(ctx context.Context, token, path string, data []byte, opts UploadOptions) error {
	arg, err := apiArg(dropboxUploadArg{
		Path:       path,
		Mode:       "overwrite",
		Autorename: false,
		Mute:       opts.Mute,
	})
	if err != nil {
		return err
	}
	// resty rejects a nil body before sending.
	if data == nil {
		data = []byte{}
	}

	resp, err := b.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Dropbox-API-Arg", arg).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data).
		Post(dropboxUploadPath)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	if resp.IsError() {
		return dropboxAPIError("Upload", path, resp)
	}
	return nil
}

// dropboxAPIError builds an APIError from a non-2xx response. Bodies that
// are not Dropbox error documents (plain-text 400s, proxy pages) are left
// unstructured. The rate-limit shape of the "error" member is
// {"reason": {".tag": "too_many_write_operations"}, "retry_after": 1}.
func dropboxAPIError(op, path string, resp *resty.Response) *APIError {
	body := resp.Body()
	apiErr := &APIError{
		Op:         op,
		Path:       path,
		StatusCode: resp.StatusCode(),
		Body:       string(body),
	}

	if !gjson.ValidBytes(body) {
		return apiErr
	}
	doc := gjson.ParseBytes(body)
	detail := doc.Get("error")
	if !doc.IsObject() || (doc.Get("error_summary").String() == "" && !detail.Exists()) {
		return apiErr
	}
	apiErr.Structured = true

	apiErr.Reason = detail.Get(`reason.\.tag`).String()
	if secs := detail.Get("retry_after").Float(); secs > 0 {
		apiErr.RetryAfter = time.Duration(secs * float64(time.Second))
	}
	if apiErr.RetryAfter == 0 {
		apiErr.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"))
	}
	return apiErr
}

// apiArg serializes v for the Dropbox-API-Arg header. Dropbox requires the
// header to be ASCII, so every non-ASCII character is written as a \uXXXX
// escape (surrogate pairs above the BMP).
func apiArg(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding Dropbox-API-Arg: %w", err)
	}
	var sb strings.Builder
	sb.Grow(len(raw))
	for _, r := range string(raw) {
		if r < 0x7f {
			sb.WriteRune(r)
			continue
		}
		if r > 0xffff {
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&sb, `\u%04x\u%04x`, hi, lo)
			continue
		}
		fmt.Fprintf(&sb, `\u%04x`, r)
	}
	return sb.String(), nil
}

// restyLogger routes resty's internal logging to slog.
type restyLogger struct {
	logger *slog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

func (l restyLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l restyLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}
