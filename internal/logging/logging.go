package logging

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camgw/internal/config"
)

// New builds the root logger from the logging section. Everything downstream
// derives sub-loggers from this one; nothing logs through a package global.
func New(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "camgw").Logger()
}

type ctxKey struct{}

// WithLogger stores a request-scoped logger on the context. Handlers attach
// conn_id and request_id before dispatch so every downstream log line carries
// the correlation identifiers.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the request-scoped logger, or a disabled logger when the
// context never passed through WithLogger (background tasks set their own).
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return zerolog.Nop()
}
