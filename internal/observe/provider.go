package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultServiceName = "estatevoice"

// ProviderOption configures [InitProvider].
type ProviderOption func(*providerSettings)

type providerSettings struct {
	serviceName    string
	serviceVersion string
}

// WithServiceName overrides the service name reported in telemetry.
// Default "estatevoice".
func WithServiceName(name string) ProviderOption {
	return func(s *providerSettings) { s.serviceName = name }
}

// WithServiceVersion sets the service version reported in telemetry.
func WithServiceVersion(version string) ProviderOption {
	return func(s *providerSettings) { s.serviceVersion = version }
}

// InitProvider registers the global OpenTelemetry providers: a meter
// provider bridged to Prometheus, so the instruments in [Metrics] come
// out of the /metrics scrape endpoint, and a tracer provider that keeps
// request spans and correlation IDs flowing without needing an external
// collector. The returned function shuts both down; call it from a defer
// in main.
func InitProvider(_ context.Context, opts ...ProviderOption) (func(context.Context) error, error) {
	settings := providerSettings{serviceName: defaultServiceName}
	for _, o := range opts {
		o(&settings)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(settings.serviceName),
			semconv.ServiceVersion(settings.serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exporter, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}
	return shutdown, nil
}
