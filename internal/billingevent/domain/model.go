package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const ProviderStripe = "stripe"

// Event types understood by the reconciler. Anything else parses into
// ErrEventIgnored.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentFailed       = "invoice.payment_failed"
)

// Event is a verified, provider-neutral billing event.
type Event struct {
	Provider string
	EventID  string
	Type     string
	// CorrelationToken is the subject the checkout was started for, read from
	// session or subscription metadata.
	CorrelationToken string
	CustomerRef      string
	SubscriptionRef  string
	// Status is the subscription status for subscription events.
	Status     string
	OccurredAt time.Time
}

// Terminal reports whether the event ends the subscription it refers to.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventSubscriptionDeleted:
		return true
	case EventSubscriptionUpdated:
		return e.Status == "canceled" || e.Status == "incomplete_expired"
	default:
		return false
	}
}

type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeStale      Outcome = "stale"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeUnresolved Outcome = "unresolved"
	OutcomeWarning    Outcome = "warning"
	OutcomePending    Outcome = "pending"
)

// Record is one row of the idempotence log.
type Record struct {
	ID              snowflake.ID `gorm:"column:id;primaryKey"`
	Provider        string       `gorm:"column:provider"`
	ProviderEventID string       `gorm:"column:provider_event_id"`
	EventType       string       `gorm:"column:event_type"`
	Subject         *string      `gorm:"column:subject"`
	CustomerRef     *string      `gorm:"column:customer_ref"`
	SubscriptionRef *string      `gorm:"column:subscription_ref"`
	Outcome         Outcome      `gorm:"column:outcome"`
	OccurredAt      time.Time    `gorm:"column:occurred_at"`
	ReceivedAt      time.Time    `gorm:"column:received_at"`
	ProcessedAt     *time.Time   `gorm:"column:processed_at"`
}

func (Record) TableName() string { return "billing_events" }

// Termination marks a subscription reference as cancelled.
type Termination struct {
	SubscriptionRef string    `gorm:"column:subscription_ref;primaryKey"`
	ProviderEventID string    `gorm:"column:provider_event_id"`
	TerminatedAt    time.Time `gorm:"column:terminated_at"`
}

func (Termination) TableName() string { return "subscription_terminations" }
