// Package logging builds the structured diagnostic logger. Probe results
// are not logged here; they are written by the pinger reporter.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a logger writing to stderr.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a level name to slog.Level. Unknown names map to
// warn so that diagnostics stay out of the way of the ping output.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// ValidLevel reports whether level is one ParseLevel recognizes.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// ValidFormat reports whether format names a supported handler.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Common attribute keys.
const (
	KeyComponent = "component"
	KeyAddress   = "address"
	KeyFamily    = "family"
	KeyTransport = "transport"
	KeySource    = "source"
	KeyError     = "error"
	KeyDuration  = "duration"
)
