// internal/telemetry/tracer.go
// Package telemetry wires the OpenTelemetry trace pipeline for the grant
// service. Spans are emitted per HTTP operation by the server handlers;
// this package only owns provider setup and teardown.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

// tracerProvider holds the active provider so ShutdownTracer can flush it.
var tracerProvider *sdktrace.TracerProvider

// InitTracer builds the trace provider, registers it globally, and installs
// the W3C trace-context propagator. Spans go to stdout; a collector exporter
// can replace the stdout one without touching any instrumented code.
func InitTracer(serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	tracerProvider = tp
	return tp, nil
}

// ShutdownTracer flushes buffered spans and stops the provider. Safe to call
// when InitTracer never ran.
func ShutdownTracer(ctx context.Context) {
	if tracerProvider == nil {
		return
	}
	if err := tracerProvider.Shutdown(ctx); err != nil {
		slog.Error("tracer shutdown failed", "error", err)
	}
}
