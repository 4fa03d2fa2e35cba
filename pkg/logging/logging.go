// Package logging builds the slog loggers shared by the chat services.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a slog logger. Format is "json" or "text", level is one of
// debug, info, warn, error; unknown values fall back to text at info
// level. A non-empty file path appends to that file instead of stdout.
func New(level, format, file string) *slog.Logger {
	var out io.Writer = os.Stdout
	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Warn("cannot open log file, using stdout", "file", file, "error", err)
		} else {
			out = f
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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
