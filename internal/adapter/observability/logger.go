// Package observability provides logging, metrics, and tracing for the
// calibration orchestrator.
package observability

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/conformal-calibrator/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if !cfg.IsProduction() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("pod", cfg.PodName),
		slog.String("env", cfg.Environment),
	)
	return logger
}

// WithTrace annotates the logger with the current trace id, when one is
// present on the context.
func WithTrace(ctx context.Context, log *slog.Logger) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return log
	}
	return log.With(slog.String("trace_id", sc.TraceID().String()))
}
