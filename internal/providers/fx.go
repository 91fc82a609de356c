package providers

import (
	"github.com/smallbiznis/licensing/internal/providers/billing/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	fx.Provide(stripe.NewClient),
)
