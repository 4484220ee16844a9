// Package errors defines the error taxonomy shared by the listingbox
// components and the HTTP error bodies rendered by the handlers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	// ErrMissingCredentials is returned when the refresh credential or the
	// application key/secret pair is not configured.
	ErrMissingCredentials = stderrors.New("Missing Dropbox OAuth credentials")

	// ErrRecordNotFound is returned when the stored record cannot be read.
	ErrRecordNotFound = stderrors.New("record not found")
)

// AuthError reports a failed token exchange.
type AuthError struct {
	// StatusCode is the HTTP status of the token endpoint, or 0 when the
	// request never produced a response.
	StatusCode int
	// Body is the raw response body returned by the token endpoint.
	Body string
	// Err is the underlying cause, if any.
	Err error
}

func (e *AuthError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("Token exchange failed: %d %s", e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("Token exchange failed: %v", e.Err)
	default:
		return "Token exchange failed"
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransformError reports a failure to decode or encode an image.
type TransformError struct {
	// Op is the stage that failed ("detect", "decode", "encode").
	Op  string
	Err error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("Image %s failed: %v", e.Op, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// WriteError reports a remote write that exhausted its retries or hit a
// non-retryable failure. Body holds the raw error body of the last failed
// attempt when the remote API returned one.
type WriteError struct {
	Path     string
	Attempts int
	Body     string
	Err      error
}

func (e *WriteError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("Upload failed: %s", e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("Upload failed: %v", e.Err)
	}
	return "Upload failed"
}

func (e *WriteError) Unwrap() error { return e.Err }

// ValidationError reports caller input that is missing required fields.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// StoreError wraps read, parse and write failures of the stored record that
// are not otherwise categorized.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// HTTPError is an error with a fixed HTTP status and a message that is
// rendered verbatim as {"error": Message}.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string { return e.Message }

// Predefined HTTP errors for the explicit non-500 cases.
var (
	// ErrMethodNotAllowed is returned for any method an operation does not serve.
	ErrMethodNotAllowed = &HTTPError{
		Status:  http.StatusMethodNotAllowed,
		Message: "Method Not Allowed",
	}

	// ErrNoDataFound is returned by the record GET when nothing is stored.
	ErrNoDataFound = &HTTPError{
		Status:  http.StatusNotFound,
		Message: "No data found",
	}

	// ErrMissingPath is returned by compress-and-copy without a "path".
	ErrMissingPath = &HTTPError{
		Status:  http.StatusBadRequest,
		Message: `Missing "path"`,
	}
)

// MissingFieldsMessage is the validation message for a record update that
// targets none of the recognized keys.
const MissingFieldsMessage = "Missing address and unitNumber fields"

// StatusFor maps an error to the HTTP status code the handlers respond with.
// Only HTTPError and ValidationError carry a non-500 status; every other
// error kind collapses to 500.
func StatusFor(err error) int {
	var httpErr *HTTPError
	if stderrors.As(err, &httpErr) {
		return httpErr.Status
	}
	var valErr *ValidationError
	if stderrors.As(err, &valErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
