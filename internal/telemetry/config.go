// Package telemetry exports command and event spans over OTLP.
package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the default resource name
const ServiceName = "informer"

// Config selects where spans go
type Config struct {
	Enabled     bool
	ServiceName string

	// OTLP gRPC collector, host:port
	Endpoint      string
	SamplingRatio float64

	// extra resource attributes, e.g. deployment region
	Attributes map[string]string
}

// DefaultConfig returns tracing disabled
func DefaultConfig() Config {
	return Config{
		ServiceName:   ServiceName,
		Endpoint:      "localhost:4317",
		SamplingRatio: 0.1,
	}
}

// Setup installs the global tracer provider and returns its shutdown
// function. Disabled tracing leaves the no-op provider in place.
func Setup(ctx context.Context, config Config) (func(context.Context) error, error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if config.ServiceName == "" {
		config.ServiceName = ServiceName
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(config.ServiceName)}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attrs...)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.Info().Str("component", "telemetry").Str("endpoint", config.Endpoint).Msg("Tracing enabled")
	return provider.Shutdown, nil
}

func tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}
