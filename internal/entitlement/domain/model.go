package domain

import (
	"strings"
	"time"
)

type Tier string

const (
	TierTrial     Tier = "trial"
	TierPro       Tier = "pro"
	TierSuspended Tier = "suspended"
)

func ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(raw)))
	switch tier {
	case TierTrial, TierPro, TierSuspended:
		return tier, nil
	default:
		return "", ErrInvalidTier
	}
}

// Entitlement is the authoritative tier state of one subject. Rows are never
// deleted; suspension keeps the record for audit.
type Entitlement struct {
	Subject                string  `gorm:"column:subject;primaryKey"`
	Email                  string  `gorm:"column:email"`
	Tier                   Tier    `gorm:"column:tier"`
	BillingCustomerRef     *string `gorm:"column:billing_customer_ref"`
	BillingSubscriptionRef *string `gorm:"column:billing_subscription_ref"`
	// SubscriptionRefSetAt is when the event that bound the current
	// subscription ref occurred at the provider.
	SubscriptionRefSetAt *time.Time `gorm:"column:subscription_ref_set_at"`
	DeviceLimit          int        `gorm:"column:device_limit"`
	LastAppliedEventID   *string    `gorm:"column:last_applied_event_id"`
	Version              int64      `gorm:"column:version"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

func (Entitlement) TableName() string { return "entitlements" }

func (e Entitlement) CustomerRef() string {
	if e.BillingCustomerRef == nil {
		return ""
	}
	return *e.BillingCustomerRef
}

func (e Entitlement) SubscriptionRef() string {
	if e.BillingSubscriptionRef == nil {
		return ""
	}
	return *e.BillingSubscriptionRef
}

// Validate enforces the record invariants before a write is committed.
func (e Entitlement) Validate() error {
	switch e.Tier {
	case TierTrial, TierPro, TierSuspended:
	default:
		return ErrInvalidTier
	}
	if e.Tier == TierPro && e.SubscriptionRef() == "" {
		return ErrInvariantViolation
	}
	if e.Tier == TierSuspended && e.DeviceLimit != 0 {
		return ErrInvariantViolation
	}
	if e.DeviceLimit < 0 {
		return ErrInvariantViolation
	}
	return nil
}

// Stats summarises entitlements for the admin surface.
type Stats struct {
	Subjects int64          `json:"subjects"`
	ByTier   map[Tier]int64 `json:"by_tier"`
}

func StringPtr(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
