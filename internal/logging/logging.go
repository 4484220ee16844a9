// Package logging configures structured logging for listingbox using log/slog.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps a configured level name to a slog.Level.
// Supported levels: "debug", "info", "warn", "error" (default: "info").
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a logger writing to w in the given format ("text" or "json",
// default "text"). Every record carries service=listingbox.
func New(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With("service", "listingbox")
}

// Setup installs the logger built by New as the slog default and returns it.
func Setup(level, format string, w io.Writer) *slog.Logger {
	logger := New(level, format, w)
	slog.SetDefault(logger)
	return logger
}
