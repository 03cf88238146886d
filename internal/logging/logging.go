// Package logging provides structured logging configuration for rootprobe.
//
// Logging Strategy:
// - JSON format for the daemon (systemd journald compatible, easy parsing)
// - Text format for interactive commands
// - Always written to stderr so command output on stdout stays clean
// - Source locations included for debugging (file:line)
// - Default logger set globally for convenience, also returned for explicit passing
//
// Usage:
//
//	logger := logging.SetupLogger("info", "json")
//	logger.Info("driver installed", "driver_fd", fd, "component", "bootstrap")
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SetupLogger creates the process logger and sets it as the slog default.
// The level parameter accepts: "debug", "info", "warn", "error" (case-insensitive).
// Invalid levels default to "info". format "json" selects the JSON handler,
// anything else the text handler.
func SetupLogger(level, format string) *slog.Logger {
	logger := NewLogger(os.Stderr, level, format)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a logger writing to w without touching the default.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(level),
		AddSource:   true,
		ReplaceAttr: shortenSource,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// shortenSource trims source paths to internal/... or the file name.
func shortenSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	if source, ok := a.Value.Any().(*slog.Source); ok {
		if idx := strings.Index(source.File, "internal/"); idx != -1 {
			source.File = source.File[idx:]
		} else {
			source.File = filepath.Base(source.File)
		}
		if idx := strings.Index(source.Function, "internal/"); idx != -1 {
			source.Function = source.Function[idx:]
		}
	}
	return a
}

// parseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a logger with a pre-set component attribute.
//
// Usage:
//
//	shellLog := logging.WithComponent(logger, "shell")
//	shellLog.Info("shell started") // includes "component": "shell"
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String("component", component))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
