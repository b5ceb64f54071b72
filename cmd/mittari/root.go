package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:   "mittari",
		Short: "Lambda Fleet Instrumentation",
		Long: `Mittari - Lambda Fleet Instrumentation

Mittari rolls observability tooling out across AWS Lambda fleets:
tracer layers, telemetry environment, ownership tags, and log
forwarding, converged in one pass.

Point it at functions by name or ARN, or let it discover the fleet
and keep every region converged, with policies guarding what may
change.`,
		Version: version,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// init sets up the root command
func init() {
	rootCmd.SetVersionTemplate(`Mittari {{.Version}} - Lambda Fleet Instrumentation
`)
}
