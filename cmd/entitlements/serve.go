package main

import (
	"github.com/smallbiznis/entitlements/internal/authorization"
	"github.com/smallbiznis/entitlements/internal/migration"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	"github.com/smallbiznis/entitlements/internal/scheduler"
	"github.com/smallbiznis/entitlements/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveSkipMigrations bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and background jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []fx.Option{
			infrastructure(),
			domains(),
			authorization.Module,
			ratelimit.Module,
			scheduler.Module,
			server.Module,
		}
		if !serveSkipMigrations {
			opts = append(opts, migration.Module)
		}

		app := fx.New(opts...)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveSkipMigrations, "skip-migrations", false, "do not apply migrations on startup")
}
