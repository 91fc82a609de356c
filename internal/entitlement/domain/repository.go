package domain

import (
	"context"

	"gorm.io/gorm"
)

// Repository reads and writes entitlement rows. Every method takes the handle
// to run on so callers can pass a transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, ent *Entitlement) (bool, error)
	FindBySubject(ctx context.Context, db *gorm.DB, subject string) (*Entitlement, error)
	FindBySubjectForUpdate(ctx context.Context, db *gorm.DB, subject string) (*Entitlement, error)
	FindByCustomerRef(ctx context.Context, db *gorm.DB, customerRef string) (*Entitlement, error)
	CompareAndSwap(ctx context.Context, db *gorm.DB, next *Entitlement, expectedVersion int64) (bool, error)
	CountByTier(ctx context.Context, db *gorm.DB) (map[Tier]int64, error)
	List(ctx context.Context, db *gorm.DB, offset, limit int) ([]Entitlement, error)
}
