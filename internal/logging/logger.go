package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel maps a config level name to a slog level. Unknown names fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a tint-backed logger writing to w.
func New(w io.Writer, level string, verbose bool) *slog.Logger {
	lvl := ParseLevel(level)
	if verbose {
		lvl = slog.LevelDebug
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: time.Kitchen,
		AddSource:  verbose,
	})
	return slog.New(handler)
}

// Init installs the logger as the slog default and returns it.
func Init(w io.Writer, level string, verbose bool) *slog.Logger {
	logger := New(w, level, verbose)
	slog.SetDefault(logger)
	return logger
}
