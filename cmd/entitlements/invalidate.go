package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var (
	invalidateTenant string
	invalidateAll    bool
	invalidateNote   string
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop cached entitlements for one tenant or every tenant",
	Example: `  entitlements invalidate --tenant 1790123456789012480
  entitlements invalidate --all --note "tier config rollout"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant := strings.TrimSpace(invalidateTenant)
		if (tenant == "") == !invalidateAll {
			return errors.New("exactly one of --tenant or --all is required")
		}

		var tenantID snowflake.ID
		if tenant != "" {
			parsed, err := snowflake.ParseString(tenant)
			if err != nil || parsed <= 0 {
				return fmt.Errorf("invalid tenant id %q", tenant)
			}
			tenantID = parsed
		}

		metadata := map[string]any{"source": "cli"}
		if note := strings.TrimSpace(invalidateNote); note != "" {
			metadata["note"] = note
		}

		var dispatcher invalidationdomain.Dispatcher
		return runOnce(cmd.Context(), func(ctx context.Context) error {
			if invalidateAll {
				if err := dispatcher.InvalidateAll(ctx, invalidationdomain.ReasonManual, metadata); err != nil {
					return err
				}
				fmt.Println("invalidated all tenants")
				return nil
			}
			if err := dispatcher.Invalidate(ctx, tenantID, invalidationdomain.ReasonManual, metadata); err != nil {
				return err
			}
			fmt.Printf("invalidated tenant %s\n", tenantID)
			return nil
		}, infrastructure(), domains(), fx.Populate(&dispatcher))
	},
}

func init() {
	rootCmd.AddCommand(invalidateCmd)

	invalidateCmd.Flags().StringVar(&invalidateTenant, "tenant", "", "tenant id to invalidate")
	invalidateCmd.Flags().BoolVar(&invalidateAll, "all", false, "invalidate every tenant")
	invalidateCmd.Flags().StringVar(&invalidateNote, "note", "", "free-form note stored with the audit entry")
}
