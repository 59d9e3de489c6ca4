package observe

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "intervox".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// InstanceID identifies this relay process. A random UUID when empty.
	InstanceID string

	// SampleRatio is the fraction of new traces that are sampled. Traces
	// continued from an incoming traceparent follow the parent's decision.
	// Values outside (0, 1) sample everything.
	SampleRatio float64

	// Registerer receives the Prometheus collector. When nil the default
	// registry is used, which is what promhttp.Handler serves.
	Registerer prometheus.Registerer

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider installs the global meter provider (bridged to Prometheus),
// the global tracer provider and the W3C trace-context propagator.
//
// The returned function flushes and closes both providers; main defers it.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := relayResource(cfg)
	if err != nil {
		return nil, err
	}

	mp, err := newMeterProvider(res, cfg.Registerer)
	if err != nil {
		return nil, err
	}
	tp := newTracerProvider(res, cfg.SampleRatio, cfg.TraceExporter)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func relayResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "intervox"
	}
	instance := cfg.InstanceID
	if instance == "" {
		instance = uuid.NewString()
	}
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.ServiceInstanceID(instance),
		),
	)
}

func newMeterProvider(res *resource.Resource, reg prometheus.Registerer) (*sdkmetric.MeterProvider, error) {
	var opts []promexporter.Option
	if reg != nil {
		opts = append(opts, promexporter.WithRegisterer(reg))
	}
	exp, err := promexporter.New(opts...)
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	), nil
}

func newTracerProvider(res *resource.Resource, ratio float64, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	sampler := sdktrace.AlwaysSample()
	if ratio > 0 && ratio < 1 {
		sampler = sdktrace.TraceIDRatioBased(ratio)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}
