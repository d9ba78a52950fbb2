// Package telemetry provides OpenTelemetry instrumentation for the sync.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/port-labs/incremental-sync/internal/config"
	"github.com/port-labs/incremental-sync/internal/port"
)

// Options tweaks provider construction.
type Options struct {
	// PrometheusReader adds a Prometheus reader so the daemon can serve
	// /metrics from the default registry.
	PrometheusReader bool
}

// Provider wraps OTEL tracer and meter providers with the sync's
// instruments.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	runDuration   metric.Float64Histogram
	forwarded     metric.Int64Counter
	forwardErrors metric.Int64Counter
	subscriptions metric.Int64Counter
}

// NewProvider creates a new telemetry provider.
func NewProvider(ctx context.Context, cfg config.OTELConfig, opts Options) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res, opts); err != nil {
		if p.tracerProvider != nil {
			_ = p.tracerProvider.Shutdown(ctx)
		}
		return nil, err
	}

	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate)
		opts = append(opts, sdktrace.WithBatcher(exp), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	p.tracer = p.tracerProvider.Tracer("azure-incremental-sync")

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource, options Options) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if options.PrometheusReader {
		reader, err := promexporter.New()
		if err != nil {
			return fmt.Errorf("create prometheus reader: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(reader))
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter("azure-incremental-sync")

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initInstruments() error {
	var err error

	p.runDuration, err = p.meter.Float64Histogram(
		"azure_sync_run_duration_seconds",
		metric.WithDescription("Duration of sync runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create run_duration: %w", err)
	}

	p.forwarded, err = p.meter.Int64Counter(
		"azure_sync_records_forwarded_total",
		metric.WithDescription("Records forwarded to the catalog webhook"),
	)
	if err != nil {
		return fmt.Errorf("create records_forwarded: %w", err)
	}

	p.forwardErrors, err = p.meter.Int64Counter(
		"azure_sync_forward_errors_total",
		metric.WithDescription("Records that failed to forward after retries"),
	)
	if err != nil {
		return fmt.Errorf("create forward_errors: %w", err)
	}

	p.subscriptions, err = p.meter.Int64Counter(
		"azure_sync_subscriptions_discovered_total",
		metric.WithDescription("Subscriptions discovered per run"),
	)
	if err != nil {
		return fmt.Errorf("create subscriptions_discovered: %w", err)
	}

	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name)
}

// RecordRunDuration records how long a sync run took.
func (p *Provider) RecordRunDuration(ctx context.Context, mode string, d time.Duration) {
	p.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("mode", mode),
	))
}

// RecordForwarded counts records delivered to the webhook.
func (p *Provider) RecordForwarded(ctx context.Context, kind port.Kind, operation port.Operation, count int) {
	p.forwarded.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("type", string(kind)),
		attribute.String("operation", string(operation)),
	))
}

// RecordForwardErrors counts records dropped after retry exhaustion.
func (p *Provider) RecordForwardErrors(ctx context.Context, kind port.Kind, count int) {
	p.forwardErrors.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("type", string(kind)),
	))
}

// RecordSubscriptions counts subscriptions discovered.
func (p *Provider) RecordSubscriptions(ctx context.Context, count int) {
	p.subscriptions.Add(ctx, int64(count))
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
