package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	authdomain "github.com/smallbiznis/licensing/internal/auth/domain"
	"github.com/smallbiznis/licensing/internal/checkout/domain"
	"github.com/smallbiznis/licensing/internal/config"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/licensing/internal/observability/metrics"
	billingdomain "github.com/smallbiznis/licensing/internal/providers/billing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Params struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Store   entdomain.Store
	Billing billingdomain.Client
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	cfg       config.CheckoutConfig
	log       *zap.Logger
	store     entdomain.Store
	billing   billingdomain.Client
	metrics   *obsmetrics.Metrics
	customers singleflight.Group
	allowed   map[string]struct{}
}

func NewService(p Params) domain.Service {
	allowed := make(map[string]struct{}, len(p.Cfg.Checkout.AllowedRedirectHosts))
	for _, host := range p.Cfg.Checkout.AllowedRedirectHosts {
		allowed[strings.ToLower(strings.TrimSpace(host))] = struct{}{}
	}
	return &Service{
		cfg:     p.Cfg.Checkout,
		log:     p.Log.Named("checkout.service"),
		store:   p.Store,
		billing: p.Billing,
		metrics: p.Metrics,
		allowed: allowed,
	}
}

// StartCheckout never writes the entitlement store; pro is granted only by
// the checkout-completed webhook.
func (s *Service) StartCheckout(ctx context.Context, identity authdomain.Identity, tier entdomain.Tier, successURL, cancelURL string) (*domain.Session, error) {
	if tier != entdomain.TierPro {
		return nil, entdomain.ErrInvalidTier
	}
	successURL, err := s.redirectURL(successURL, s.cfg.SuccessURL)
	if err != nil {
		return nil, err
	}
	cancelURL, err = s.redirectURL(cancelURL, s.cfg.CancelURL)
	if err != nil {
		return nil, err
	}

	ent, err := s.store.Get(ctx, identity.Subject)
	if err != nil {
		return nil, err
	}
	switch ent.Tier {
	case entdomain.TierPro:
		return nil, domain.ErrAlreadySubscribed
	case entdomain.TierSuspended:
		return nil, entdomain.ErrSuspended
	}

	customerRef, err := s.resolveCustomer(ctx, *ent, identity.Email)
	if err != nil {
		s.metrics.RecordCheckoutSession(ctx, "billing_unavailable")
		return nil, err
	}

	session, err := s.billing.CreateCheckoutSession(ctx, billingdomain.CheckoutSessionRequest{
		CustomerRef:      customerRef,
		CorrelationToken: ent.Subject,
		SuccessURL:       successURL,
		CancelURL:        cancelURL,
	})
	if err != nil {
		s.metrics.RecordCheckoutSession(ctx, "billing_unavailable")
		return nil, billingError(err)
	}

	s.metrics.RecordCheckoutSession(ctx, "created")
	s.log.Info("checkout session created",
		zap.String("subject", ent.Subject),
		zap.String("session_id", session.ID),
		zap.String("customer_ref", customerRef),
	)
	return &domain.Session{
		SessionID:        session.ID,
		URL:              session.URL,
		CorrelationToken: ent.Subject,
	}, nil
}

func (s *Service) Portal(ctx context.Context, identity authdomain.Identity, returnURL string) (string, error) {
	returnURL, err := s.redirectURL(returnURL, s.cfg.PortalReturnURL)
	if err != nil {
		return "", err
	}
	ent, err := s.store.Get(ctx, identity.Subject)
	if err != nil {
		return "", err
	}
	customerRef := ent.CustomerRef()
	if customerRef == "" {
		found, err := s.billing.FindCustomer(ctx, ent.Subject)
		if err != nil {
			return "", billingError(err)
		}
		if found == nil {
			return "", domain.ErrNoBillingAccount
		}
		customerRef = found.ID
	}

	portalURL, err := s.billing.CreatePortalSession(ctx, customerRef, returnURL)
	if err != nil {
		return "", billingError(err)
	}
	return portalURL, nil
}

// resolveCustomer returns the provider customer for the subject, creating it
// on first checkout. Concurrent calls for one subject share a single lookup.
func (s *Service) resolveCustomer(ctx context.Context, ent entdomain.Entitlement, email string) (string, error) {
	if ref := ent.CustomerRef(); ref != "" {
		return ref, nil
	}

	v, err, _ := s.customers.Do(ent.Subject, func() (any, error) {
		found, err := s.billing.FindCustomer(ctx, ent.Subject)
		if err != nil {
			return "", err
		}
		if found != nil {
			return found.ID, nil
		}
		if strings.TrimSpace(email) == "" {
			email = ent.Email
		}
		created, err := s.billing.CreateCustomer(ctx, email, ent.Subject)
		if err != nil {
			return "", err
		}
		s.log.Info("billing customer created", zap.String("subject", ent.Subject), zap.String("customer_ref", created.ID))
		return created.ID, nil
	})
	if err != nil {
		return "", billingError(err)
	}
	return v.(string), nil
}

// redirectURL falls back to def when raw is empty and rejects hosts outside
// the allowlist.
func (s *Service) redirectURL(raw, def string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "", domain.ErrInvalidRedirect
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return "", domain.ErrInvalidRedirect
	}
	if _, ok := s.allowed[strings.ToLower(parsed.Host)]; !ok {
		return "", domain.ErrInvalidRedirect
	}
	return parsed.String(), nil
}

func billingError(err error) error {
	if errors.Is(err, domain.ErrBillingUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrBillingUnavailable, err)
}
