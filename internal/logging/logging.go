// Package logging builds the process slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Options struct {
	// Level is debug, info, warn or error. Anything else means info.
	Level string
	// Format is "json" or "text".
	Format string
	Writer io.Writer
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New returns a logger for opts. LOG_LEVEL, when set, wins over opts.Level.
func New(opts Options) *slog.Logger {
	level := opts.Level
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	return slog.New(handler)
}

// Init builds a logger with New and installs it as the slog default.
func Init(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)
	logger.Debug("logger initialized", "level", ParseLevel(opts.Level).String(), "format", opts.Format)
	return logger
}
