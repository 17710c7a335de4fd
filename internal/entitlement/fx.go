package entitlement

import (
	"github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/entitlement/resolver"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.resolver",
	fx.Provide(resolver.New),
	fx.Provide(func(r *resolver.Resolver) domain.Resolver { return r }),
	fx.Invoke(func(d invalidationdomain.Dispatcher, r *resolver.Resolver) {
		d.Register("entitlement.resolver", r)
	}),
)
