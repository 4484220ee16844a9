// Package writer uploads files to the storage backend with a process-wide
// minimum interval between writes and bounded retries.
package writer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	apperr "github.com/listingbox/listingbox/internal/errors"
	"github.com/listingbox/listingbox/internal/metrics"
	"github.com/listingbox/listingbox/internal/storage"
)

// Defaults applied to zero Options fields.
const (
	DefaultMinInterval = time.Second
	DefaultMaxAttempts = 3
	DefaultRetryUnit   = time.Second
)

// Retry causes, used as metric labels and in logs.
const (
	causeRateLimit = "rate_limit"
	causeFailure   = "failure"
)

// Options configures a Writer.
type Options struct {
	Backend storage.Backend
	// Throttle is shared between writers. If nil a private one is created
	// with MinInterval.
	Throttle    *Throttle
	MinInterval time.Duration
	MaxAttempts int
	// RetryUnit scales the linear backoff for generic failures.
	RetryUnit time.Duration
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Writer performs throttled, retried uploads. It is safe for concurrent use.
type Writer struct {
	backend     storage.Backend
	throttle    *Throttle
	maxAttempts int
	clock       clockwork.Clock
	logger      *slog.Logger

	rateLimit Strategy
	failure   Strategy
}

// New creates a Writer.
func New(opts Options) *Writer {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryUnit <= 0 {
		opts.RetryUnit = DefaultRetryUnit
	}
	if opts.Throttle == nil {
		opts.Throttle = NewThrottle(opts.MinInterval, opts.Clock)
	}
	return &Writer{
		backend:     opts.Backend,
		throttle:    opts.Throttle,
		maxAttempts: opts.MaxAttempts,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "writer"),
		rateLimit:   RetryAfterStrategy{},
		failure:     LinearStrategy{Unit: opts.RetryUnit},
	}
}

// Write uploads payload to path, overwriting any existing file.
//
// The call first waits out the throttle, then makes up to MaxAttempts
// uploads. Rate-limit responses are retried after the delay the API asked
// for; transport failures and unparseable error responses are retried with
// linear backoff; any other API error is returned immediately. Retry waits
// do not go through the throttle. Failures are returned as
// *errors.WriteError carrying the last error seen.
func (w *Writer) Write(ctx context.Context, token string, payload []byte, path string, opts storage.UploadOptions) error {
	waited, err := w.throttle.Wait(ctx)
	if err != nil {
		return &apperr.WriteError{Path: path, Err: err}
	}
	if waited > 0 {
		metrics.WriteThrottleSeconds.Observe(waited.Seconds())
		w.logger.Debug("Throttled write", "path", path, "waited", waited, "previous_write", w.throttle.LastWrite())
	}

	backend := w.backend.Name()
	for attempt := 1; ; attempt++ {
		err := w.backend.Upload(ctx, token, path, payload, opts)
		if err == nil {
			w.throttle.MarkWrite()
			metrics.WriteAttemptsTotal.WithLabelValues(backend, "success").Inc()
			metrics.BytesTransferredTotal.WithLabelValues("upload").Add(float64(len(payload)))
			return nil
		}
		metrics.WriteAttemptsTotal.WithLabelValues(backend, "failure").Inc()

		strategy, cause, retryable := w.classify(err)
		if !retryable {
			w.logger.Error("Upload failed", "path", path, "attempt", attempt, "error", err)
			return writeError(path, attempt, err)
		}
		if attempt >= w.maxAttempts {
			w.logger.Error("Upload failed after retries", "path", path, "attempts", attempt, "cause", cause, "error", err)
			return writeError(path, attempt, err)
		}

		delay := strategy.Delay(attempt, err)
		metrics.WriteRetriesTotal.WithLabelValues(cause).Inc()
		w.logger.Warn("Retrying upload",
			"path", path,
			"attempt", attempt,
			"max_attempts", w.maxAttempts,
			"cause", cause,
			"delay", delay,
			"error", err,
		)
		if err := sleep(ctx, w.clock, delay); err != nil {
			return &apperr.WriteError{Path: path, Attempts: attempt, Err: err}
		}
	}
}

// classify picks the retry strategy for a failed attempt. Structured API
// errors are retryable only when they signal a rate limit.
func (w *Writer) classify(err error) (Strategy, string, bool) {
	var apiErr *storage.APIError
	if errors.As(err, &apiErr) && apiErr.Structured {
		if apiErr.RateLimited() {
			return w.rateLimit, causeRateLimit, true
		}
		return nil, "", false
	}
	return w.failure, causeFailure, true
}

func writeError(path string, attempts int, err error) *apperr.WriteError {
	we := &apperr.WriteError{Path: path, Attempts: attempts, Err: err}
	var apiErr *storage.APIError
	if errors.As(err, &apiErr) {
		we.Body = apiErr.Body
	}
	return we
}
