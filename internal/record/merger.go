// Package record implements the read-merge-write cycle of the stored JSON
// record.
package record

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	apperr "github.com/listingbox/listingbox/internal/errors"
	"github.com/listingbox/listingbox/internal/metrics"
	"github.com/listingbox/listingbox/internal/storage"
)

// Writer uploads a serialized record. *writer.Writer satisfies it.
type Writer interface {
	Write(ctx context.Context, token string, payload []byte, path string, opts storage.UploadOptions) error
}

// Merger reads, merges and writes the record. It holds no per-record state;
// concurrent merges of the same record race and the last write wins.
type Merger struct {
	backend storage.Backend
	writer  Writer
	logger  *slog.Logger
}

// NewMerger creates a Merger.
func NewMerger(backend storage.Backend, w Writer, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{
		backend: backend,
		writer:  w,
		logger:  logger.With("component", "record"),
	}
}

// MergeAndStore applies update to the record stored at path and writes the
// result back, returning the merged record.
//
// An update naming neither recognized key is rejected before any network
// call. A record that cannot be read is treated as empty. A record that
// reads fine but is not a JSON object is an error.
func (m *Merger) MergeAndStore(ctx context.Context, token, path string, update Partial) (Record, error) {
	if update.Empty() {
		return nil, &apperr.ValidationError{Message: apperr.MissingFieldsMessage}
	}

	current := Record{}
	data, err := m.backend.Download(ctx, token, path)
	if err != nil {
		m.logger.Info("No existing record, creating new one", "path", path, "error", err)
	} else {
		metrics.BytesTransferredTotal.WithLabelValues("download").Add(float64(len(data)))
		if current, err = decode(data); err != nil {
			return nil, &apperr.StoreError{Op: "parse", Path: path, Err: err}
		}
	}

	update.Apply(current)

	payload, err := json.Marshal(current)
	if err != nil {
		return nil, &apperr.StoreError{Op: "encode", Path: path, Err: err}
	}
	if err := m.writer.Write(ctx, token, payload, path, storage.UploadOptions{
		Mute:        true,
		ContentType: "application/json",
	}); err != nil {
		return nil, err
	}

	m.logger.Debug("Record stored", "path", path, "keys", len(current))
	return current, nil
}

// Load returns the stored document at path verbatim. Any error response
// from the storage API is reported as errors.ErrRecordNotFound.
func (m *Merger) Load(ctx context.Context, token, path string) ([]byte, error) {
	data, err := m.backend.Download(ctx, token, path)
	if err != nil {
		var apiErr *storage.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: %w", apperr.ErrRecordNotFound, err)
		}
		return nil, &apperr.StoreError{Op: "read", Path: path, Err: err}
	}
	metrics.BytesTransferredTotal.WithLabelValues("download").Add(float64(len(data)))
	return data, nil
}

// decode parses stored content into a Record. Blank content is an empty
// record.
func decode(data []byte) (Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Record{}, nil
	}
	v, err := decodeValue(data)
	if err != nil {
		return nil, fmt.Errorf("stored record is not valid JSON: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("stored record is not a JSON object")
	}
	return Record(obj), nil
}
