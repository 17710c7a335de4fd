package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/audit"
	"github.com/smallbiznis/entitlements/internal/billingprovider"
	"github.com/smallbiznis/entitlements/internal/cache"
	"github.com/smallbiznis/entitlements/internal/catalog"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/customer"
	"github.com/smallbiznis/entitlements/internal/entitlement"
	"github.com/smallbiznis/entitlements/internal/featureaccess"
	"github.com/smallbiznis/entitlements/internal/invalidation"
	"github.com/smallbiznis/entitlements/internal/invoice"
	"github.com/smallbiznis/entitlements/internal/observability"
	"github.com/smallbiznis/entitlements/internal/override"
	"github.com/smallbiznis/entitlements/internal/subscription"
	"github.com/smallbiznis/entitlements/internal/trial"
	"github.com/smallbiznis/entitlements/internal/usage"
	"github.com/smallbiznis/entitlements/internal/webhook"
	"github.com/smallbiznis/entitlements/pkg/db"
	"github.com/smallbiznis/entitlements/pkg/redisconn"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const commandTimeout = 2 * time.Minute

// infrastructure is shared by every command that touches the database.
func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redisconn.Module,
		clock.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
}

// domains wires the entitlement services on top of infrastructure.
func domains() fx.Option {
	return fx.Options(
		audit.Module,
		cache.Module,
		invalidation.Module,
		billingprovider.Module,
		customer.Module,
		catalog.Module,
		subscription.Module,
		invoice.Module,
		override.Module,
		usage.Module,
		trial.Module,
		entitlement.Module,
		featureaccess.Module,
		webhook.Module,
	)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

// runOnce starts a short-lived app, runs fn and stops the app again.
func runOnce(parent context.Context, fn func(context.Context) error, opts ...fx.Option) error {
	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	runErr := fn(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}
