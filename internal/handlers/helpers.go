// Package handlers implements the HTTP handlers for the compress-and-copy
// and record-store operations.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/listingbox/listingbox/internal/auth"
	apperr "github.com/listingbox/listingbox/internal/errors"
	"github.com/listingbox/listingbox/internal/record"
	"github.com/listingbox/listingbox/internal/storage"
)

// maxBodyBytes bounds the JSON request bodies both operations accept.
const maxBodyBytes = 1 << 20

// corsHeaders are sent on every response, including errors and preflights.
var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "POST, GET, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type",
}

// Deps are the collaborators shared by both handlers.
type Deps struct {
	Tokens     auth.TokenProvider
	Credential auth.Credential
	// CredentialOptional skips the credential check for token providers
	// that never exchange it, such as auth.StaticProvider.
	CredentialOptional bool
	Backend            storage.Backend
	// Writer performs throttled, retried uploads.
	Writer record.Writer
	// Timeout bounds each operation end to end. Zero disables it.
	Timeout time.Duration
	Logger  *slog.Logger
}

// credentialMissing reports whether requests must be refused because the
// refresh credential is required and incomplete.
func (d Deps) credentialMissing() bool {
	return !d.CredentialOptional && !d.Credential.Complete()
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// setCORS adds the CORS headers to w.
func setCORS(w http.ResponseWriter) {
	h := w.Header()
	for k, v := range corsHeaders {
		h.Set(k, v)
	}
}

// preflight answers OPTIONS requests. It reports whether it did.
func preflight(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodOptions {
		return false
	}
	w.WriteHeader(http.StatusOK)
	return true
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Encoding JSON response", "error", err)
		status = http.StatusInternalServerError
		data = []byte(`{"error":"Internal Server Error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// errorBody is the body of every failed response.
type errorBody struct {
	Error string `json:"error"`
}

// writeError renders err as {"error": message} with the status chosen by
// errors.StatusFor.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.StatusFor(err), errorBody{Error: err.Error()})
}

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

// withTimeout derives the per-operation context.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// requestLogger returns logger tagged with the request ID set by the
// RequestID middleware, if any.
func requestLogger(logger *slog.Logger, r *http.Request) *slog.Logger {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return logger.With("request_id", id)
	}
	return logger
}

// sirPath derives the upload path of a compressed copy: the file keeps its
// name and moves into a SIR directory next to it, so "a/b/c.jpg" becomes
// "/a/b/SIR/c.jpg". A path ending in a slash has no file name and is left
// where it is.
func sirPath(path string) string {
	i := strings.LastIndex(path, "/")
	name := path[i+1:]
	if name == "" {
		return "/" + path
	}
	return "/" + path[:i+1] + "SIR/" + name
}

// logFailure logs a failed operation, calling out deadline expiry.
func logFailure(logger *slog.Logger, msg string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn(msg+": operation timed out", "error", err)
		return
	}
	logger.Error(msg, "error", err)
}
