package domain

import (
	"context"
	"errors"

	authdomain "github.com/smallbiznis/licensing/internal/auth/domain"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
)

var (
	ErrAlreadySubscribed  = errors.New("already_subscribed")
	ErrBillingUnavailable = errors.New("billing_unavailable")
	ErrInvalidRedirect    = errors.New("invalid_redirect_url")
	ErrNoBillingAccount   = errors.New("no_billing_account")
)

// Session is a provider checkout session bound to a subject. The
// CorrelationToken comes back on the checkout-completed webhook.
type Session struct {
	SessionID        string `json:"session_id"`
	URL              string `json:"url"`
	CorrelationToken string `json:"-"`
}

type Service interface {
	StartCheckout(ctx context.Context, identity authdomain.Identity, tier entdomain.Tier, successURL, cancelURL string) (*Session, error)
	// Portal returns a billing portal URL for subjects that have a customer.
	Portal(ctx context.Context, identity authdomain.Identity, returnURL string) (string, error)
}
