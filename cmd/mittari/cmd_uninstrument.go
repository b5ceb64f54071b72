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
	uninstrumentConfigPath string
	uninstrumentRegion     string
	uninstrumentNameRegex  string
	uninstrumentAllRegions bool
	uninstrumentDryRun     bool
	uninstrumentTimeout    time.Duration
)

// uninstrumentCmd represents the uninstrument command
var uninstrumentCmd = &cobra.Command{
	Use:   "uninstrument [function ...]",
	Short: "Strip managed instrumentation from Lambda functions",
	Long: `Strip the configured instrumentation from Lambda functions.

Removal only ever touches what mittari manages: every version of the
configured layer families, the configured environment keys, the
configured tags, and the log forwarder subscription. With
clear_retention_on_remove set, the managed retention policy goes too.
Everything else on the function is left exactly as found, so
uninstrumenting a hand-tuned function is safe.

Functions carrying none of the managed state are skipped.`,
	Example: `  mittari uninstrument checkout-api
  mittari uninstrument --config mittari.yaml  # Discover and strip per config
  mittari uninstrument --dry-run              # Preview what would be removed`,
	RunE: runUninstrument,
}

func init() {
	rootCmd.AddCommand(uninstrumentCmd)

	uninstrumentCmd.Flags().StringVar(&uninstrumentConfigPath, "config", "", "Config file path")
	uninstrumentCmd.Flags().StringVarP(&uninstrumentRegion, "region", "r", "", "AWS region (overrides config)")
	uninstrumentCmd.Flags().StringVar(&uninstrumentNameRegex, "functions-regex", "", "Only target functions whose name matches this pattern")
	uninstrumentCmd.Flags().BoolVar(&uninstrumentAllRegions, "all-regions", false, "Discover functions across all enabled regions")
	uninstrumentCmd.Flags().BoolVar(&uninstrumentDryRun, "dry-run", false, "Preview changes without applying")
	uninstrumentCmd.Flags().DurationVar(&uninstrumentTimeout, "timeout", 0, "Abort the run after this duration (0 = no limit)")
}

func runUninstrument(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if uninstrumentTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, uninstrumentTimeout)
		defer tcancel()
	}

	overrides := flagOverrides{region: uninstrumentRegion, namePattern: uninstrumentNameRegex}
	rt, err := newRuntime(ctx, uninstrumentConfigPath, overrides, instrument.Options{
		DryRun:     uninstrumentDryRun,
		AllRegions: uninstrumentAllRegions,
	})
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	if uninstrumentDryRun {
		fmt.Println("🔍 Running in DRY-RUN mode - no changes will be made")
	}

	summary, err := rt.runner.Uninstrument(ctx, args)
	if summary != nil {
		displaySummary(summary)
		if uninstrumentDryRun {
			displayPlanned(summary.Planned)
		}
	}
	if err != nil {
		return fmt.Errorf("uninstrument failed: %w", err)
	}

	return nil
}
