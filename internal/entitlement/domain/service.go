package domain

import (
	"context"

	"gorm.io/gorm"
)

// MutateFunc runs inside a subject's atomic section. tx is the open
// transaction and current the row as locked for this attempt. Returning nil
// leaves the entitlement fields unchanged; the version is bumped either way so
// concurrent sections for the subject are linearized.
type MutateFunc func(tx *gorm.DB, current Entitlement) (*Entitlement, error)

type Store interface {
	// Ensure returns the subject's entitlement, creating a trial record on
	// first contact.
	Ensure(ctx context.Context, subject, email string) (*Entitlement, error)
	Get(ctx context.Context, subject string) (*Entitlement, error)
	FindByCustomerRef(ctx context.Context, customerRef string) (*Entitlement, error)
	// WithSubject serializes fn against every other mutation of subject and
	// commits its result with an optimistic version check.
	WithSubject(ctx context.Context, subject string, fn MutateFunc) (*Entitlement, error)
	DeviceLimit(tier Tier) int
	Stats(ctx context.Context) (Stats, error)
	// List pages through entitlements, newest first. The window is clamped
	// with ClampPage.
	List(ctx context.Context, offset, limit int) ([]Entitlement, error)
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ClampPage returns the offset and limit actually used for a listing.
func ClampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}
	return offset, limit
}
