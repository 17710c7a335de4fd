package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set via ldflags at build time
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "entitlements",
	Short: "Subscription entitlements, usage quotas and trials over a billing provider",
	Long: `entitlements resolves what each tenant may use from its billing
subscription, tier defaults and overrides, meters usage against quotas and
runs the trial lifecycle.

Configuration is read from the environment and an optional .env file.

Commands:
  entitlements serve        # Start the HTTP API and background jobs
  entitlements migrate up   # Apply database migrations
  entitlements sweep        # Run maintenance jobs once
  entitlements invalidate   # Drop cached entitlements`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("entitlements %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", buildDate)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
