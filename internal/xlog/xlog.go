// Package xlog carries the teacher's logging conventions (structured
// log/slog, a small level parser) into a library context: no default
// handler is installed and nothing here writes directly to stderr, since
// that configuration choice belongs to the application, not the library.
package xlog

import (
	"log/slog"
	"strings"
)

// ParseLevel converts a string log level to slog.Level, defaulting to
// slog.LevelInfo for anything it doesn't recognize.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warning", "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Or returns logger if non-nil, otherwise slog.Default().
func Or(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}
