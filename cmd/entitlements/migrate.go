package main

import (
	"context"
	"fmt"

	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/migration"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(conn *gorm.DB) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back applied migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(conn *gorm.DB) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RollbackMigrations(sqlDB, migrateSteps); err != nil {
				return err
			}
			fmt.Printf("rolled back %d migration(s)\n", migrateSteps)
			return nil
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd.Context(), func(conn *gorm.DB) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			v, dirty, err := migration.Version(sqlDB)
			if err != nil {
				return err
			}
			fmt.Printf("version: %d dirty: %t\n", v, dirty)
			return nil
		})
	},
}

func withDatabase(ctx context.Context, fn func(*gorm.DB) error) error {
	var (
		conn *gorm.DB
		cfg  config.Config
	)
	return runOnce(ctx, func(context.Context) error {
		if !migration.Supported(cfg.DBType) {
			return fmt.Errorf("migrations are not supported for database type %q", cfg.DBType)
		}
		return fn(conn)
	}, infrastructure(), fx.Populate(&conn, &cfg))
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)

	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "number of migrations to roll back")
}
