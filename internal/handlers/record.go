package handlers

import (
	"errors"
	"fmt"
	"net/http"

	apperr "github.com/listingbox/listingbox/internal/errors"
	"github.com/listingbox/listingbox/internal/record"
)

// RecordHandler serves the record store: GET returns the stored document,
// POST merges address/unitNumber into it.
type RecordHandler struct {
	deps   Deps
	merger *record.Merger
	path   string
}

// NewRecordHandler creates a RecordHandler for the record at path.
func NewRecordHandler(deps Deps, merger *record.Merger, path string) *RecordHandler {
	return &RecordHandler{deps: deps, merger: merger, path: path}
}

type recordResponse struct {
	Success bool          `json:"success"`
	Data    record.Record `json:"data"`
}

// ServeHTTP dispatches on method.
func (h *RecordHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if preflight(w, r) {
		return
	}
	if h.deps.credentialMissing() {
		writeError(w, apperr.ErrMissingCredentials)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPost:
		h.post(w, r)
	default:
		writeError(w, apperr.ErrMethodNotAllowed)
	}
}

func (h *RecordHandler) get(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(h.deps.logger(), r).With("operation", "record-get", "path", h.path)
	ctx, cancel := withTimeout(r.Context(), h.deps.Timeout)
	defer cancel()

	token, err := h.deps.Tokens.AcquireToken(ctx, h.deps.Credential)
	if err != nil {
		logFailure(logger, "Token exchange failed", err)
		writeError(w, err)
		return
	}

	data, err := h.merger.Load(ctx, token.Value, h.path)
	if err != nil {
		if errors.Is(err, apperr.ErrRecordNotFound) {
			logger.Info("No record stored", "error", err)
			writeError(w, apperr.ErrNoDataFound)
			return
		}
		logFailure(logger, "Record read failed", err)
		writeError(w, err)
		return
	}

	// The stored document is returned verbatim.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *RecordHandler) post(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(h.deps.logger(), r).With("operation", "record-post", "path", h.path)

	body, err := readBody(w, r)
	if err != nil {
		writeError(w, fmt.Errorf("reading request body: %w", err))
		return
	}
	update, err := record.ParsePartial(body)
	if err != nil {
		writeError(w, err)
		return
	}
	// Validate before the token exchange so a bad request costs no network.
	if update.Empty() {
		writeError(w, &apperr.ValidationError{Message: apperr.MissingFieldsMessage})
		return
	}
	logger.Debug("Record update", "address", update.Address.Set, "unit_number", update.UnitNumber.Set)

	ctx, cancel := withTimeout(r.Context(), h.deps.Timeout)
	defer cancel()

	token, err := h.deps.Tokens.AcquireToken(ctx, h.deps.Credential)
	if err != nil {
		logFailure(logger, "Token exchange failed", err)
		writeError(w, err)
		return
	}

	merged, err := h.merger.MergeAndStore(ctx, token.Value, h.path, update)
	if err != nil {
		logFailure(logger, "Record update failed", err)
		writeError(w, err)
		return
	}

	logger.Info("Record updated", "keys", len(merged))
	writeJSON(w, http.StatusOK, recordResponse{Success: true, Data: merged})
}
