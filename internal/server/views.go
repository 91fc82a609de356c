package server

import (
	"time"

	devicedomain "github.com/smallbiznis/licensing/internal/device/domain"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	"github.com/smallbiznis/licensing/internal/licensekey"
)

type entitlementView struct {
	Subject                string         `json:"subject"`
	Email                  string         `json:"email,omitempty"`
	Tier                   entdomain.Tier `json:"tier"`
	DeviceLimit            int            `json:"device_limit"`
	BillingCustomerRef     *string        `json:"billing_customer_ref"`
	BillingSubscriptionRef *string        `json:"billing_subscription_ref"`
	LastAppliedEventID     *string        `json:"last_applied_event_id,omitempty"`
	Version                int64          `json:"version"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

func newEntitlementView(e *entdomain.Entitlement) *entitlementView {
	if e == nil {
		return nil
	}
	return &entitlementView{
		Subject:                e.Subject,
		Email:                  e.Email,
		Tier:                   e.Tier,
		DeviceLimit:            e.DeviceLimit,
		BillingCustomerRef:     e.BillingCustomerRef,
		BillingSubscriptionRef: e.BillingSubscriptionRef,
		LastAppliedEventID:     e.LastAppliedEventID,
		Version:                e.Version,
		UpdatedAt:              e.UpdatedAt,
	}
}

type activationResponse struct {
	Device      devicedomain.Device `json:"device"`
	Tier        entdomain.Tier      `json:"tier"`
	DeviceLimit int                 `json:"device_limit"`
	License     *licensekey.License `json:"license"`
}

type meResponse struct {
	Subject     string         `json:"subject"`
	Email       string         `json:"email"`
	Tier        entdomain.Tier `json:"tier"`
	DeviceLimit int            `json:"device_limit"`
	DevicesUsed int64          `json:"devices_used"`
	HasBilling  bool           `json:"has_billing"`
	CreatedAt   time.Time      `json:"created_at"`
}
