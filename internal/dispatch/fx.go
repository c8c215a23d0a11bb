package dispatch

import (
	"go.uber.org/fx"
)

var Module = fx.Module("dispatch.service",
	fx.Provide(NewOpenQuota),
	fx.Provide(NewEnvMessageConfig),
	fx.Provide(NewLogTransport),
	fx.Provide(New),
)
