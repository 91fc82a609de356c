package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// Claim inserts the record unless (provider, provider_event_id) already
	// exists. It reports whether this call created the row.
	Claim(ctx context.Context, db *gorm.DB, record *Record) (bool, error)
	MarkOutcome(ctx context.Context, db *gorm.DB, provider, eventID string, outcome Outcome, at time.Time) error
	FindByEventID(ctx context.Context, db *gorm.DB, provider, eventID string) (*Record, error)
	InsertTermination(ctx context.Context, db *gorm.DB, termination *Termination) error
	IsTerminated(ctx context.Context, db *gorm.DB, subscriptionRef string) (bool, error)
	DeleteReceivedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

// Verifier authenticates a raw webhook delivery and parses it.
type Verifier interface {
	Verify(ctx context.Context, body []byte, signatureHeader string) (*Event, error)
}
