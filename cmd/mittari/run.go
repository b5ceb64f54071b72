package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/yairfalse/mittari/instrument"
	"github.com/yairfalse/mittari/internal/config"
	"github.com/yairfalse/mittari/internal/journal"
	"github.com/yairfalse/mittari/internal/telemetry"
	"github.com/yairfalse/mittari/providers/aws"
)

// awsSource adapts the provider registry to the runner's source interface.
type awsSource struct {
	registry *aws.Registry
}

func (s awsSource) Service(ctx context.Context, region string) (instrument.RegionService, error) {
	return s.registry.Service(ctx, region)
}

func (s awsSource) Regions(ctx context.Context, anchor string) ([]string, error) {
	return s.registry.Regions(ctx, anchor)
}

// flagOverrides carries CLI flags that take precedence over file config.
type flagOverrides struct {
	region      string
	namePattern string
}

func (o flagOverrides) apply(cfg *config.Config) {
	if o.region != "" {
		cfg.AWS.DefaultRegion = o.region
		cfg.AWS.Regions = []string{o.region}
	}
	if o.namePattern != "" {
		cfg.Discovery.NamePattern = o.namePattern
	}
}

// runtime bundles everything a command run needs.
type runtime struct {
	cfg      *config.Config
	provider *telemetry.Provider
	runner   *instrument.Runner
	jnl      *journal.Journal
}

func newRuntime(ctx context.Context, configPath string, overrides flagOverrides, opts instrument.Options, readers ...sdkmetric.Reader) (*runtime, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	overrides.apply(cfg)

	setupLogging(cfg.Log.Level)

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL, readers...)
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}

	var jnl *journal.Journal
	if cfg.JournalDir != "" {
		if cfg.JournalRetentionDays > 0 {
			if err := journal.Cleanup(cfg.JournalDir, cfg.JournalRetentionDays); err != nil {
				log.Warn().Err(err).Msg("journal cleanup failed")
			}
		}
		jnl, err = journal.Open(cfg.JournalDir)
		if err != nil {
			_ = provider.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
	}

	source := awsSource{registry: aws.NewRegistry()}
	runner, err := instrument.New(ctx, cfg, source, provider, jnl, opts)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to build runner: %w", err)
	}

	return &runtime{cfg: cfg, provider: provider, runner: runner, jnl: jnl}, nil
}

func (rt *runtime) close(ctx context.Context) {
	if rt.jnl != nil {
		_ = rt.jnl.Close()
	}
	_ = rt.provider.Shutdown(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.Default(), nil
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// displaySummary prints the outcome of one run.
func displaySummary(summary *instrument.Summary) {
	fmt.Println("\n✅ Run Complete")
	fmt.Printf("  🌍 Regions: %s\n", strings.Join(summary.Regions, ", "))
	fmt.Printf("  📊 Functions observed: %d\n", summary.Observed)
	fmt.Printf("  🎯 Functions updated: %d\n", summary.Updated)
	fmt.Printf("  📋 Skipped: %d\n", summary.Skipped)
	fmt.Printf("  ⏱️  Duration: %s\n", summary.Duration)
}

// displayPlanned prints pending changes as a table.
func displayPlanned(planned []instrument.PlannedChange) {
	if len(planned) == 0 {
		fmt.Println("\nNothing to change - the fleet is converged!")
		return
	}

	fmt.Printf("\nPlanned changes:\n\n")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FUNCTION\tREGION\tFACETS")
	_, _ = fmt.Fprintln(w, "--------\t------\t------")

	for _, change := range planned {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n",
			change.Function,
			change.Region,
			strings.Join(change.Facets, ","),
		)
	}

	_ = w.Flush()
}
