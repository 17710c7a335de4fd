package invalidation

import (
	"github.com/smallbiznis/entitlements/internal/invalidation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invalidation.dispatcher",
	fx.Provide(service.NewDispatcher),
)
