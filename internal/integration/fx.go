package integration

import (
	"github.com/reviewly/reviewly/internal/integration/repository"
	"github.com/reviewly/reviewly/internal/integration/service"
	"go.uber.org/fx"
)

var Module = fx.Module("integration.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
