package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Tracer returns a named tracer for the service.
func Tracer(service string) trace.Tracer {
	return otel.Tracer(service)
}

// Logger builds the shared structured logger. Level accepts zap level names;
// unknown values fall back to info.
func Logger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if parsed, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = parsed
	}
	cfg.DisableStacktrace = true
	return cfg.Build()
}
