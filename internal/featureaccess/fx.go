package featureaccess

import "go.uber.org/fx"

var Module = fx.Module("featureaccess.service",
	fx.Provide(New),
)
