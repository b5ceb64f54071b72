// Package daemon runs the continuous convergence loop.
package daemon

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/yairfalse/mittari/instrument"
	"github.com/yairfalse/mittari/internal/telemetry"
)

// Converger applies the configured instrumentation fleet-wide.
type Converger interface {
	Instrument(ctx context.Context, identifiers []string) (*instrument.Summary, error)
}

// Daemon converges the fleet on an interval.
type Daemon struct {
	converger Converger
	interval  time.Duration
	logger    *telemetry.Logger
	metrics   *Metrics
	startTime time.Time
	cycles    atomic.Int64
}

// New creates a daemon that runs one convergence pass per interval.
func New(converger Converger, interval time.Duration) (*Daemon, error) {
	metrics, err := NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("create daemon metrics: %w", err)
	}

	return &Daemon{
		converger: converger,
		interval:  interval,
		logger:    telemetry.NewLogger("daemon"),
		metrics:   metrics,
		startTime: time.Now(),
	}, nil
}

// Start runs one pass immediately, then one per interval until the
// context is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.converge(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.converge(ctx)
		}
	}
}

// converge runs one pass. Failures are recorded and logged; the loop
// keeps running.
func (d *Daemon) converge(ctx context.Context) {
	start := time.Now()
	d.cycles.Add(1)

	summary, err := d.converger.Instrument(ctx, nil)
	if ctx.Err() != nil {
		return
	}
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		d.logger.WithContext(ctx).Error().Err(err).Msg("convergence pass failed")
	}

	d.metrics.RecordCycle(ctx, status)
	d.metrics.RecordCycleDuration(ctx, duration.Seconds(), status)

	if summary != nil {
		d.metrics.RecordFunctionsObserved(ctx, int64(summary.Observed))
		d.logger.WithContext(ctx).Info().
			Int("observed", summary.Observed).
			Int("updated", summary.Updated).
			Int("skipped", summary.Skipped).
			Dur("duration", duration).
			Msg("convergence pass complete")
	}
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	return HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(d.startTime).Seconds()),
		Cycles: d.cycles.Load(),
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime_seconds"`
	Cycles int64  `json:"cycles"`
}

// CycleCount returns total convergence passes run
func (d *Daemon) CycleCount() int64 {
	return d.cycles.Load()
}
