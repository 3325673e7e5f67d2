// Package telemetry configures structured logging for denv. All packages
// receive their logger explicitly or through the context; there is no
// package-level global.
package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error. Empty means info.
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// Format is "console" (human-readable, the default) or "json".
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// NewLogger builds a zerolog logger writing to w according to cfg.
func NewLogger(cfg LoggingConfig, w io.Writer) zerolog.Logger {
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil && cfg.Level != "" {
		level = parsed
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// NewStderrLogger is NewLogger writing to standard error, the usual
// destination for a CLI tool whose stdout may carry command output.
func NewStderrLogger(cfg LoggingConfig) zerolog.Logger {
	return NewLogger(cfg, os.Stderr)
}

type loggerContextKey struct{}

// WithContext embeds the logger in ctx.
func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, log)
}

// FromContext returns the logger embedded in ctx, or a disabled logger
// when none is present.
func FromContext(ctx context.Context) zerolog.Logger {
	if log, ok := ctx.Value(loggerContextKey{}).(zerolog.Logger); ok {
		return log
	}
	return zerolog.Nop()
}
