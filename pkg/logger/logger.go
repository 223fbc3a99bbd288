// Package logger builds the slog loggers used across the engine. Two
// formats are supported: a colored single-line text format for operators
// at a terminal and plain JSON for log shippers.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a logger from config strings. Unknown values fall back to
// info and text.
func New(level, format string) *slog.Logger {
	return NewWithWriter(os.Stderr, level, format)
}

// NewWithWriter is New with an explicit destination, used by tests.
func NewWithWriter(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
	}
	return slog.New(NewColorHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// ParseLevel maps a config string to a slog level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
