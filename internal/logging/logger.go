package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"github.com/jtully/shield-core/internal/config"
)

// levelSilent is above every slog level, so a handler configured with it
// emits nothing.
const levelSilent slog.Level = slog.LevelError + 100

// ParseLevel converts a config level string to a slog.Level.
// Returns slog.LevelInfo for empty string (default).
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return levelSilent
	default:
		return slog.LevelInfo
	}
}

// New builds the service logger from config. The returned closer is non-nil
// when the output is a rotating file and must be closed on shutdown.
// Format "console" produces human-readable colored output via tint;
// "json" produces structured JSON suitable for log aggregation.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var w io.Writer
	var closer io.Closer

	switch cfg.Output {
	case "stdout", "":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
		if err != nil {
			return nil, nil, err
		}
		w = rw
		closer = rw
	}

	level := ParseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "console" {
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler), closer, nil
}
