// Package logging builds the process-wide slog.Handler for the gateway.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Format selects the slog.Handler implementation.
type Format string

const (
	// FormatJSON emits structured JSON lines, suitable for log aggregation.
	FormatJSON Format = "json"
	// FormatConsole emits colorized, human-readable lines for local runs.
	FormatConsole Format = "console"
)

// Config controls handler construction.
type Config struct {
	Format Format
	Level  slog.Level
	Output io.Writer
}

// DefaultConfig returns console output at info level, matching a local dev run.
func DefaultConfig() Config {
	return Config{
		Format: FormatConsole,
		Level:  slog.LevelInfo,
		Output: os.Stdout,
	}
}

// NewHandler builds the handler for cfg and returns it ready to pass to slog.New.
func NewHandler(cfg Config) slog.Handler {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	switch cfg.Format {
	case FormatJSON:
		return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.Level})
	default:
		return tint.NewHandler(out, &tint.Options{
			Level:      cfg.Level,
			TimeFormat: time.TimeOnly,
		})
	}
}

// New builds a ready-to-use *slog.Logger for cfg.
func New(cfg Config) *slog.Logger {
	return slog.New(NewHandler(cfg))
}
