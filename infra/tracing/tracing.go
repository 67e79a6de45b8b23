// Package tracing builds the process-wide TracerProvider and hands out the
// tracer the registry package uses to span the ReconnectionLadder's
// suspension points (SPEC_FULL.md Ambient Stack "Tracing").
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/whatsapp-hub/supervisor/internal/registry"

// New installs a SDK TracerProvider with a batch span processor over exp
// and registers it as the global provider, returning a shutdown func.
func New(ctx context.Context, exp sdktrace.SpanExporter, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the package-scoped tracer; safe to call before New runs
// (it resolves to the global no-op provider until one is installed).
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
