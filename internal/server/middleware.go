package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/listingbox/listingbox/internal/metrics"
)

// responseRecorder wraps http.ResponseWriter to capture the HTTP status code
// and the number of bytes written.
type responseRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

// WriteHeader captures the status code and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.statusCode = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written and delegates to the wrapped ResponseWriter.
func (rr *responseRecorder) Write(b []byte) (int, error) {
	if !rr.wroteHeader {
		rr.statusCode = http.StatusOK
		rr.wroteHeader = true
	}
	n, err := rr.ResponseWriter.Write(b)
	rr.bytesWritten += n
	return n, err
}

// Flush implements the http.Flusher interface if the underlying ResponseWriter supports it.
func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func newRecorder(w http.ResponseWriter) *responseRecorder {
	if rr, ok := w.(*responseRecorder); ok {
		return rr
	}
	return &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

// metricsMiddleware records request count, duration and response size.
// The /metrics endpoint is excluded from self-instrumentation.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := newRecorder(w)
		next.ServeHTTP(rec, r)

		path := metrics.NormalizePath(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		if rec.bytesWritten > 0 {
			metrics.HTTPResponseSize.WithLabelValues(r.Method, path).Observe(float64(rec.bytesWritten))
		}
	})
}

// accessLog logs one line per request. It must be installed after chi's
// RequestID middleware so the request ID is in the context.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newRecorder(w)
			next.ServeHTTP(rec, r)

			if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
				return
			}
			reqID := chimw.GetReqID(r.Context())
			level := slog.LevelInfo
			if rec.statusCode >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.statusCode,
				"bytes", rec.bytesWritten,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", reqID,
			)
		})
	}
}
