package domain

import (
	"context"
	"errors"

	eventdomain "github.com/smallbiznis/licensing/internal/billingevent/domain"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
)

const (
	ProviderAdmin       = "admin"
	EventAdminUpgrade   = "admin.upgrade"
	EventAdminDowngrade = "admin.downgrade"
)

var ErrMissingSubscriptionRef = errors.New("missing_subscription_ref")

// UpgradeRequest grants pro out of band. IdempotencyKey deduplicates retried
// calls; an empty key makes the call unique.
type UpgradeRequest struct {
	Subject         string
	Tier            entdomain.Tier
	CustomerRef     string
	SubscriptionRef string
	IdempotencyKey  string
}

type DowngradeRequest struct {
	Subject        string
	Tier           entdomain.Tier
	IdempotencyKey string
}

// Result is the outcome of one apply together with the entitlement as it
// stands afterwards. Entitlement is nil when the subject could not be
// resolved.
type Result struct {
	Outcome     eventdomain.Outcome
	Subject     string
	Entitlement *entdomain.Entitlement
}

type Service interface {
	Apply(ctx context.Context, event eventdomain.Event) (Result, error)
	Upgrade(ctx context.Context, req UpgradeRequest) (Result, error)
	Downgrade(ctx context.Context, req DowngradeRequest) (Result, error)
}
