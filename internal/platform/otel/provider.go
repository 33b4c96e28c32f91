// Package otel wires opt-in OpenTelemetry tracing for service processes.
package otel

import (
	"context"
	"strings"

	"github.com/keybound/keybound/internal/platform/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type envConfig struct {
	Endpoint string `env:"KEYBOUND_OTEL_ENDPOINT"`
	Enabled  string `env:"KEYBOUND_OTEL_ENABLED" envDefault:"true"`
}

// Setup initialises tracing for the given service and returns a shutdown
// function that flushes pending spans.
//
// Tracing is opt-in: with no KEYBOUND_OTEL_ENDPOINT, or with
// KEYBOUND_OTEL_ENABLED set to "false", no global provider is registered
// and the returned shutdown is a no-op.
func Setup(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	var cfg envConfig
	_ = config.ParseEnv(&cfg)
	if strings.EqualFold(cfg.Enabled, "false") || strings.TrimSpace(cfg.Endpoint) == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return provider.Shutdown, nil
}
