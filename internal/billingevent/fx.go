package billingevent

import (
	"github.com/smallbiznis/licensing/internal/billingevent/repository"
	"github.com/smallbiznis/licensing/internal/billingevent/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("billingevent",
	fx.Provide(repository.Provide),
	fx.Provide(stripe.NewVerifier),
)
