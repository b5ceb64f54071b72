// Package telemetry provides OpenTelemetry instrumentation and the
// structured logger for mittari.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/mittari/internal/config"
)

// Provider wraps OTEL tracer and meter providers.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter

	// Metrics
	runDuration      metric.Float64Histogram
	functionsUpdated metric.Int64Counter
	functionsSkipped metric.Int64Counter
	updateErrors     metric.Int64Counter
}

// NewProvider creates a new telemetry provider. Extra readers are attached
// to the meter provider, e.g. a Prometheus exporter in daemon mode.
func NewProvider(ctx context.Context, cfg config.OTELConfig, readers ...sdkmetric.Reader) (*Provider, error) {
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

	if err := p.setupMetrics(ctx, cfg, res, readers); err != nil {
		if p.tracerProvider != nil {
			_ = p.tracerProvider.Shutdown(ctx)
		}
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
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
	p.tracer = p.tracerProvider.Tracer("mittari")

	return nil
}

func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource, readers []sdkmetric.Reader) error {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}

	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter("mittari")

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

func (p *Provider) initMetrics() error {
	var err error

	p.runDuration, err = p.meter.Float64Histogram(
		"mittari_run_duration_seconds",
		metric.WithDescription("Duration of instrumentation runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create run_duration: %w", err)
	}

	p.functionsUpdated, err = p.meter.Int64Counter(
		"mittari_functions_updated_total",
		metric.WithDescription("Total functions updated"),
	)
	if err != nil {
		return fmt.Errorf("create functions_updated: %w", err)
	}

	p.functionsSkipped, err = p.meter.Int64Counter(
		"mittari_functions_skipped_total",
		metric.WithDescription("Total functions skipped by policy or convergence"),
	)
	if err != nil {
		return fmt.Errorf("create functions_skipped: %w", err)
	}

	p.updateErrors, err = p.meter.Int64Counter(
		"mittari_update_errors_total",
		metric.WithDescription("Total failed update runs"),
	)
	if err != nil {
		return fmt.Errorf("create update_errors: %w", err)
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

// RecordRunDuration records how long one region's run took.
func (p *Provider) RecordRunDuration(ctx context.Context, command, region string, d time.Duration) {
	p.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("region", region),
	))
}

// RecordFunctionsUpdated records the number of functions updated.
func (p *Provider) RecordFunctionsUpdated(ctx context.Context, region string, count int) {
	p.functionsUpdated.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("region", region),
	))
}

// RecordFunctionsSkipped records functions left alone.
func (p *Provider) RecordFunctionsSkipped(ctx context.Context, region, reason string, count int) {
	p.functionsSkipped.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("region", region),
		attribute.String("reason", reason),
	))
}

// RecordUpdateError records a failed run for a region.
func (p *Provider) RecordUpdateError(ctx context.Context, command, region string) {
	p.updateErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("region", region),
	))
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
