// Package telemetry installs the OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Options control tracing.
type Options struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
	Service     string
	Version     string
}

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(context.Context) error

// Init configures the global tracer provider. When tracing is disabled the
// returned shutdown is a no-op and the global no-op provider stays in place.
func Init(ctx context.Context, opts Options, logger zerolog.Logger) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }
	if !opts.Enabled {
		return noop, nil
	}

	clientOpts := []otlptracegrpc.Option{}
	if ep := strings.TrimSpace(opts.Endpoint); ep != "" {
		clientOpts = append(clientOpts, otlptracegrpc.WithEndpoint(ep))
	}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, clientOpts...)
	if err != nil {
		return noop, fmt.Errorf("otlp exporter: %w", err)
	}

	tp := NewProvider(sdktrace.WithBatcher(exporter), opts)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info().
		Str("component", "telemetry").
		Str("endpoint", opts.Endpoint).
		Float64("sample_ratio", opts.SampleRatio).
		Msg("tracing enabled")
	return tp.Shutdown, nil
}

// NewProvider builds a tracer provider around the given span processor
// option using the service attributes and sampler from opts.
func NewProvider(processor sdktrace.TracerProviderOption, opts Options) *sdktrace.TracerProvider {
	service := opts.Service
	if service == "" {
		service = "ecg-sentinel"
	}
	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.String("service.version", opts.Version),
	)
	return sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
}
