package webhook

import (
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/webhook/adapters"
	"github.com/smallbiznis/entitlements/internal/webhook/adapters/paddle"
	"github.com/smallbiznis/entitlements/internal/webhook/adapters/stripe"
	"github.com/smallbiznis/entitlements/internal/webhook/domain"
	"github.com/smallbiznis/entitlements/internal/webhook/repository"
	"github.com/smallbiznis/entitlements/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("webhook.service",
	fx.Provide(NewRegistry),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)

// NewRegistry enables an adapter for every provider with a webhook secret.
func NewRegistry(cfg config.Config, log *zap.Logger) *adapters.Registry {
	var enabled []string
	var list []domain.Adapter
	if cfg.Billing.StripeWebhookSecret != "" {
		list = append(list, stripe.New(cfg.Billing.StripeWebhookSecret))
		enabled = append(enabled, stripe.ProviderName)
	}
	if cfg.Billing.PaddleWebhookSecret != "" {
		list = append(list, paddle.New(cfg.Billing.PaddleWebhookSecret))
		enabled = append(enabled, paddle.ProviderName)
	}
	log.Named("webhook").Info("webhook adapters configured", zap.Strings("providers", enabled))
	return adapters.NewRegistry(list...)
}
