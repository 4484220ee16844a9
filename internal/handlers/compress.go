package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperr "github.com/listingbox/listingbox/internal/errors"
	"github.com/listingbox/listingbox/internal/metrics"
	"github.com/listingbox/listingbox/internal/storage"
	"github.com/listingbox/listingbox/internal/transform"
)

// CompressHandler serves compress-and-copy: it downloads an image, fits it
// onto the target canvas and uploads the result into a SIR directory next
// to the original.
type CompressHandler struct {
	deps Deps
}

// NewCompressHandler creates a CompressHandler.
func NewCompressHandler(deps Deps) *CompressHandler {
	return &CompressHandler{deps: deps}
}

type compressRequest struct {
	Path string `json:"path"`
}

type compressResponse struct {
	OK         bool   `json:"ok"`
	Source     string `json:"source"`
	Compressed string `json:"compressed"`
}

// ServeHTTP handles POST {"path": "..."}.
func (h *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if preflight(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, apperr.ErrMethodNotAllowed)
		return
	}
	if h.deps.credentialMissing() {
		writeError(w, apperr.ErrMissingCredentials)
		return
	}

	logger := requestLogger(h.deps.logger(), r).With("operation", "compress-and-copy")

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, fmt.Errorf("reading request body: %w", err))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var req compressRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, fmt.Errorf("invalid JSON body: %w", err))
		return
	}
	if req.Path == "" {
		writeError(w, apperr.ErrMissingPath)
		return
	}

	ctx, cancel := withTimeout(r.Context(), h.deps.Timeout)
	defer cancel()

	source := "/" + req.Path
	target := sirPath(req.Path)
	logger = logger.With("source", source, "target", target)

	token, err := h.deps.Tokens.AcquireToken(ctx, h.deps.Credential)
	if err != nil {
		logFailure(logger, "Token exchange failed", err)
		writeError(w, err)
		return
	}

	original, err := h.deps.Backend.Download(ctx, token.Value, source)
	if err != nil {
		logFailure(logger, "Download failed", err)
		writeError(w, err)
		return
	}
	metrics.BytesTransferredTotal.WithLabelValues("download").Add(float64(len(original)))

	start := time.Now()
	result, err := transform.Transform(original, transform.TargetGeometry)
	if err != nil {
		logger.Error("Transform failed", "error", err)
		writeError(w, err)
		return
	}
	metrics.TransformDuration.WithLabelValues(string(result.Format)).Observe(time.Since(start).Seconds())

	err = h.deps.Writer.Write(ctx, token.Value, result.Data, target, storage.UploadOptions{
		Mute:        false,
		ContentType: result.Format.MIME(),
	})
	if err != nil {
		logFailure(logger, "Upload failed", err)
		writeError(w, err)
		return
	}

	logger.Info("Compressed copy stored",
		"source_format", result.Source,
		"format", result.Format,
		"original_bytes", len(original),
		"compressed_bytes", len(result.Data),
	)
	writeJSON(w, http.StatusOK, compressResponse{OK: true, Source: source, Compressed: target})
}
