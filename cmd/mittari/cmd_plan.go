package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yairfalse/mittari/instrument"
)

var (
	planConfigPath string
	planRegion     string
	planNameRegex  string
	planAllRegions bool
	planRemove     bool
)

// planCmd represents the plan command
var planCmd = &cobra.Command{
	Use:   "plan [function ...]",
	Short: "Show what instrument would change",
	Long: `Show the changes an instrument run would make, without making any.

Plan fetches the live configuration of every target function, diffs it
against the desired state, and prints the pending changes per function
and facet. A converged fleet plans nothing.`,
	Example: `  mittari plan                        # Plan the configured fleet
  mittari plan checkout-api           # Plan a single function
  mittari plan --remove               # Plan an uninstrument run instead`,
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVar(&planConfigPath, "config", "", "Config file path")
	planCmd.Flags().StringVarP(&planRegion, "region", "r", "", "AWS region (overrides config)")
	planCmd.Flags().StringVar(&planNameRegex, "functions-regex", "", "Only target functions whose name matches this pattern")
	planCmd.Flags().BoolVar(&planAllRegions, "all-regions", false, "Discover functions across all enabled regions")
	planCmd.Flags().BoolVar(&planRemove, "remove", false, "Plan an uninstrument run instead")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	overrides := flagOverrides{region: planRegion, namePattern: planNameRegex}
	rt, err := newRuntime(ctx, planConfigPath, overrides, instrument.Options{
		DryRun:     true,
		AllRegions: planAllRegions,
	})
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	var summary *instrument.Summary
	if planRemove {
		summary, err = rt.runner.Uninstrument(ctx, args)
	} else {
		summary, err = rt.runner.Instrument(ctx, args)
	}
	if err != nil {
		return fmt.Errorf("plan failed: %w", err)
	}

	fmt.Printf("Observed %d functions across %d regions\n",
		summary.Observed, len(summary.Regions))
	displayPlanned(summary.Planned)

	if len(summary.Planned) > 0 {
		fmt.Printf("\nNext steps:\n")
		if planRemove {
			fmt.Printf("   mittari uninstrument    # Apply these removals\n")
		} else {
			fmt.Printf("   mittari instrument      # Apply these changes\n")
		}
	}

	return nil
}
