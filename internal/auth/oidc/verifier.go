package oidc

import (
	"context"
	"fmt"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/smallbiznis/licensing/internal/auth/domain"
	"go.uber.org/zap"
)

type Verifier struct {
	verifier *gooidc.IDTokenVerifier
	log      *zap.Logger
}

type claims struct {
	Email string `json:"email"`
}

// New builds a verifier for issuer. When jwksURL is empty the key set is
// discovered from the issuer's well-known configuration.
func New(ctx context.Context, issuer, audience, jwksURL string, log *zap.Logger) (*Verifier, error) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, fmt.Errorf("oidc: issuer is required")
	}

	var keySet gooidc.KeySet
	if jwksURL = strings.TrimSpace(jwksURL); jwksURL != "" {
		keySet = gooidc.NewRemoteKeySet(ctx, jwksURL)
	} else {
		provider, err := gooidc.NewProvider(ctx, issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc: discover %s: %w", issuer, err)
		}
		return &Verifier{
			verifier: provider.Verifier(config(audience)),
			log:      log.Named("auth.oidc"),
		}, nil
	}
	return NewWithKeySet(issuer, audience, keySet, log), nil
}

func NewWithKeySet(issuer, audience string, keySet gooidc.KeySet, log *zap.Logger) *Verifier {
	return &Verifier{
		verifier: gooidc.NewVerifier(strings.TrimSpace(issuer), keySet, config(audience)),
		log:      log.Named("auth.oidc"),
	}
}

func config(audience string) *gooidc.Config {
	audience = strings.TrimSpace(audience)
	return &gooidc.Config{
		ClientID:          audience,
		SkipClientIDCheck: audience == "",
	}
}

func (v *Verifier) Verify(ctx context.Context, rawToken string) (*domain.Identity, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return nil, domain.ErrUnauthenticated
	}

	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		v.log.Debug("id token rejected", zap.Error(err))
		return nil, domain.ErrInvalidToken
	}
	var c claims
	if err := token.Claims(&c); err != nil {
		return nil, domain.ErrInvalidToken
	}
	if strings.TrimSpace(token.Subject) == "" {
		return nil, domain.ErrInvalidToken
	}
	return &domain.Identity{
		Subject: token.Subject,
		Email:   strings.TrimSpace(c.Email),
	}, nil
}
