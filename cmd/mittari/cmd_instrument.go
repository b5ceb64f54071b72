package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/mittari/instrument"
)

var (
	instrumentConfigPath string
	instrumentRegion     string
	instrumentNameRegex  string
	instrumentAllRegions bool
	instrumentDryRun     bool
	instrumentTimeout    time.Duration
)

// instrumentCmd represents the instrument command
var instrumentCmd = &cobra.Command{
	Use:   "instrument [function ...]",
	Short: "Apply instrumentation to Lambda functions",
	Long: `Apply the configured instrumentation to Lambda functions.

Functions are given by name or full ARN; an ARN's region wins over the
configured default. With no arguments, mittari discovers the fleet in
the configured regions and converges every function the discovery
filter allows.

Each function gets up to three facets in one pass: the configuration
patch (layers, environment), ownership tags, and log group settings.
A function already carrying the desired state is left untouched.`,
	Example: `  mittari instrument checkout-api
  mittari instrument arn:aws:lambda:eu-west-1:123456789012:function:checkout
  mittari instrument --config mittari.yaml   # Discover and converge per config
  mittari instrument --all-regions           # Discover across every enabled region
  mittari instrument --dry-run checkout-api  # Preview without applying`,
	RunE: runInstrument,
}

func init() {
	rootCmd.AddCommand(instrumentCmd)

	instrumentCmd.Flags().StringVar(&instrumentConfigPath, "config", "", "Config file path")
	instrumentCmd.Flags().StringVarP(&instrumentRegion, "region", "r", "", "AWS region (overrides config)")
	instrumentCmd.Flags().StringVar(&instrumentNameRegex, "functions-regex", "", "Only target functions whose name matches this pattern")
	instrumentCmd.Flags().BoolVar(&instrumentAllRegions, "all-regions", false, "Discover functions across all enabled regions")
	instrumentCmd.Flags().BoolVar(&instrumentDryRun, "dry-run", false, "Preview changes without applying")
	instrumentCmd.Flags().DurationVar(&instrumentTimeout, "timeout", 0, "Abort the run after this duration (0 = no limit)")
}

func runInstrument(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if instrumentTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, instrumentTimeout)
		defer tcancel()
	}

	overrides := flagOverrides{region: instrumentRegion, namePattern: instrumentNameRegex}
	rt, err := newRuntime(ctx, instrumentConfigPath, overrides, instrument.Options{
		DryRun:     instrumentDryRun,
		AllRegions: instrumentAllRegions,
	})
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	if instrumentDryRun {
		fmt.Println("🔍 Running in DRY-RUN mode - no changes will be made")
	}

	summary, err := rt.runner.Instrument(ctx, args)
	if summary != nil {
		displaySummary(summary)
		if instrumentDryRun {
			displayPlanned(summary.Planned)
		}
	}
	if err != nil {
		return fmt.Errorf("instrument failed: %w", err)
	}

	return nil
}
