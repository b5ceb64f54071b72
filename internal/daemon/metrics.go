package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds operational metrics using OTEL semantic conventions
type Metrics struct {
	cycles            metric.Int64Counter
	cycleDuration     metric.Float64Histogram
	functionsObserved metric.Int64Gauge
}

// NewMetrics creates daemon metrics on the global meter provider
func NewMetrics() (*Metrics, error) {
	return newMetricsWithProvider(otel.GetMeterProvider())
}

func newMetricsWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("mittari.daemon")

	cycles, err := meter.Int64Counter(
		"mittari.daemon.cycles",
		metric.WithDescription("Number of convergence passes"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"mittari.daemon.cycle.duration",
		metric.WithDescription("Duration of convergence passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	functionsObserved, err := meter.Int64Gauge(
		"mittari.functions.observed",
		metric.WithDescription("Number of functions observed in the last pass"),
		metric.WithUnit("{function}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		cycles:            cycles,
		cycleDuration:     cycleDuration,
		functionsObserved: functionsObserved,
	}, nil
}

// RecordCycle records a convergence pass with status
func (m *Metrics) RecordCycle(ctx context.Context, status string) {
	m.cycles.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordCycleDuration records convergence pass duration
func (m *Metrics) RecordCycleDuration(ctx context.Context, durationSeconds float64, status string) {
	m.cycleDuration.Record(ctx, durationSeconds,
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordFunctionsObserved records the number of functions seen in a pass
func (m *Metrics) RecordFunctionsObserved(ctx context.Context, count int64) {
	m.functionsObserved.Record(ctx, count)
}
