// Package logger wires process-wide zerolog configuration and the small
// helpers for carrying a request-scoped logger through context.
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Init configures the global zerolog logger: the output writer, the
// minimum level, and the process-wide field conventions.
func Init(level string, writer io.Writer) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	if writer == nil {
		writer = os.Stdout
	}

	zerolog.SetGlobalLevel(logLevel)
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.CallerFieldName = "source"

	log := zerolog.New(writer).With().Timestamp().Caller().Logger()
	zerolog.DefaultContextLogger = &log
}

// FromContext returns the request-scoped logger, falling back to the
// process-wide default when none has been attached to ctx.
func FromContext(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		if zerolog.DefaultContextLogger != nil {
			return zerolog.DefaultContextLogger
		}
		fallback := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
		return &fallback
	}
	return l
}

// WithCorrelationID attaches a correlation_id field to ctx's logger,
// returning both the updated context and logger.
func WithCorrelationID(ctx context.Context, correlationID string) (context.Context, *zerolog.Logger) {
	l := FromContext(ctx).With().Str("correlation_id", correlationID).Logger()
	return l.WithContext(ctx), &l
}
