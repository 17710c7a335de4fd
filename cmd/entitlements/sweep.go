package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/entitlements/internal/ratelimit"
	"github.com/smallbiznis/entitlements/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire trials, purge expired overrides and sweep caches once",
	RunE: func(cmd *cobra.Command, args []string) error {
		var sched *scheduler.Scheduler
		return runOnce(cmd.Context(), func(ctx context.Context) error {
			if err := sched.RunOnce(ctx); err != nil {
				return err
			}
			fmt.Println("sweep complete")
			return nil
		},
			infrastructure(),
			domains(),
			ratelimit.Module,
			fx.Provide(scheduler.ProvideConfig, scheduler.New),
			fx.Populate(&sched),
		)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
