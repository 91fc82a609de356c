package auth

import (
	"context"
	"fmt"

	"github.com/smallbiznis/licensing/internal/auth/domain"
	"github.com/smallbiznis/licensing/internal/auth/hmac"
	"github.com/smallbiznis/licensing/internal/auth/oidc"
	"github.com/smallbiznis/licensing/internal/clock"
	"github.com/smallbiznis/licensing/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("auth",
	fx.Provide(NewVerifier),
)

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock
}

// NewVerifier selects the identity verifier configured by IDENTITY_PROVIDER.
func NewVerifier(p Params) (domain.Verifier, error) {
	id := p.Cfg.Identity
	switch id.Provider {
	case "", "oidc":
		return oidc.New(context.Background(), id.Issuer, id.Audience, id.JWKSURL, p.Log)
	case "hmac":
		if p.Cfg.IsProduction() {
			return nil, fmt.Errorf("identity provider hmac is not allowed in production")
		}
		return hmac.New(id.HMACSecret, id.Issuer, id.Audience, p.Clock)
	default:
		return nil, fmt.Errorf("unsupported identity provider %q", id.Provider)
	}
}
