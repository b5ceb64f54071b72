package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/prometheus"

	"github.com/yairfalse/mittari/instrument"
	"github.com/yairfalse/mittari/internal/daemon"
)

var (
	daemonConfigPath  string
	daemonInterval    time.Duration
	daemonMetricsAddr string
	daemonAllRegions  bool
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run continuous fleet convergence",
	Long: `Run mittari in daemon mode for continuous fleet convergence.

The daemon discovers the fleet at the configured interval, applies the
configured instrumentation to any function that drifted, and exports
metrics.

Features:
- Continuous convergence loop
- Prometheus metrics on /metrics
- Health checks on /health and /healthz
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  mittari daemon                          # Run with config defaults
  mittari daemon --interval 30m           # Converge every 30 minutes
  mittari daemon --metrics-addr :2112     # Custom metrics address
  mittari daemon --all-regions            # Converge every enabled region`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonConfigPath, "config", "", "Config file path")
	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "Convergence interval (overrides config)")
	daemonCmd.Flags().StringVar(&daemonMetricsAddr, "metrics-addr", "", "Metrics HTTP server address (overrides config)")
	daemonCmd.Flags().BoolVar(&daemonAllRegions, "all-regions", false, "Discover functions across all enabled regions")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	// The exporter must feed the same meter provider the run metrics
	// are created on, so it is handed to the runtime.
	promExporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	rt, err := newRuntime(ctx, daemonConfigPath, flagOverrides{}, instrument.Options{AllRegions: daemonAllRegions}, promExporter)
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	interval := rt.cfg.Daemon.Interval
	if daemonInterval > 0 {
		interval = daemonInterval
	}
	metricsAddr := rt.cfg.Daemon.MetricsAddr
	if daemonMetricsAddr != "" {
		metricsAddr = daemonMetricsAddr
	}

	d, err := daemon.New(rt.runner, interval)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ln, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", metricsAddr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/health", handleHealth(d))
	srv := &http.Server{Handler: mux}

	log.Info().
		Dur("interval", interval).
		Str("metrics_addr", ln.Addr().String()).
		Msg("mittari daemon starting")

	var g run.Group

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	g.Add(func() error {
		return srv.Serve(ln)
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})

	loopCtx, loopCancel := context.WithCancel(ctx)
	g.Add(func() error {
		return d.Start(loopCtx)
	}, func(error) {
		loopCancel()
	})

	err = g.Run()

	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleHealth(d *daemon.Daemon) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Health())
	}
}
