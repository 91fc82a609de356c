package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	FindByDeviceID(ctx context.Context, db *gorm.DB, subject, deviceID string) (*Device, error)
	CountActive(ctx context.Context, db *gorm.DB, subject string) (int64, error)
	CountAllActive(ctx context.Context, db *gorm.DB) (int64, error)
	Insert(ctx context.Context, db *gorm.DB, device *Device) error
	Reactivate(ctx context.Context, db *gorm.DB, id int64, name string, at time.Time) error
	Deactivate(ctx context.Context, db *gorm.DB, subject, deviceID string, at time.Time) (int64, error)
	DeactivateAll(ctx context.Context, db *gorm.DB, subject string, at time.Time) (int64, error)
	TouchValidated(ctx context.Context, db *gorm.DB, subject, deviceID string, at time.Time) (int64, error)
	ListBySubject(ctx context.Context, db *gorm.DB, subject string, includeInactive bool) ([]Device, error)
}

type Service interface {
	Activate(ctx context.Context, req ActivateRequest) (*ActivateResult, error)
	Deactivate(ctx context.Context, subject, deviceID string) error
	Validate(ctx context.Context, subject, deviceID string) (*Device, error)
	Get(ctx context.Context, subject, deviceID string) (*Device, error)
	List(ctx context.Context, subject string, includeInactive bool) ([]Device, error)
	Status(ctx context.Context, subject string) (Status, error)
	Revoke(ctx context.Context, subject, deviceID string) error
	RevokeAll(ctx context.Context, subject string) (int64, error)
	CountActive(ctx context.Context) (int64, error)
}
