package observability

import (
	"context"
	"fmt"

	"kbpipeline/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// InitTracing configures an OTLP trace exporter for the pipeline run. It is a
// no-op returning a shutdown func that does nothing when no collector endpoint is
// configured, so a pipeline run never blocks on telemetry infrastructure.
func InitTracing(ctx context.Context, obs config.ObsConfig) (func(context.Context) error, error) {
	if obs.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithAttributes(
			semconv.ServiceName(obs.ServiceName),
			semconv.ServiceVersion(obs.ServiceVersion),
			attribute.String("deployment.environment", obs.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("init resource: %w", err)
	}

	trExp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(obs.OTLPEndpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("init trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(trExp),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
