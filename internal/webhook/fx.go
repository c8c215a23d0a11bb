package webhook

import (
	"github.com/reviewly/reviewly/internal/webhook/adapters"
	"github.com/reviewly/reviewly/internal/webhook/adapters/clover"
	"github.com/reviewly/reviewly/internal/webhook/adapters/generic"
	"github.com/reviewly/reviewly/internal/webhook/adapters/shopify"
	"github.com/reviewly/reviewly/internal/webhook/adapters/square"
	"github.com/reviewly/reviewly/internal/webhook/adapters/stripepos"
	"github.com/reviewly/reviewly/internal/webhook/adapters/woocommerce"
	"github.com/reviewly/reviewly/internal/webhook/domain"
	"github.com/reviewly/reviewly/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			square.NewFactory(),
			shopify.NewFactory(),
			clover.NewFactory(),
			stripepos.NewFactory(),
			woocommerce.NewFactory(),
			generic.NewFactory(domain.ProviderZapier),
			generic.NewFactory(domain.ProviderGeneric),
		)
	}),
	fx.Provide(service.New),
)
