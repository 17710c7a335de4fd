package billingprovider

import (
	"net/http"
	"strings"

	"github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"github.com/smallbiznis/entitlements/internal/billingprovider/stripe"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("billingprovider",
	fx.Provide(NewClient),
)

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

func NewClient(p Params) domain.Client {
	var inner domain.Client = domain.UnconfiguredClient{}
	switch strings.ToLower(strings.TrimSpace(p.Cfg.Billing.Provider)) {
	case stripe.ProviderName, "":
		if key := p.Cfg.Billing.StripeSecretKey; key != "" {
			httpClient := tracing.WrapHTTPClient(&http.Client{Timeout: p.Cfg.Billing.Timeout})
			inner = stripe.NewClient(key, httpClient)
		} else {
			p.Log.Warn("stripe secret key not set; entitlements resolve from local data only")
		}
	default:
		p.Log.Warn("unsupported billing provider", zap.String("provider", p.Cfg.Billing.Provider))
	}
	return NewBoundedClient(inner, p.Cfg.Billing.Timeout, p.Metrics, p.Log)
}
