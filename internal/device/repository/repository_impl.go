package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/licensing/internal/device/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const selectColumns = `id, subject, device_id, name, active, activated_at,
	last_validated_at, deactivated_at, created_at, updated_at`

func (r *repo) FindByDeviceID(ctx context.Context, db *gorm.DB, subject, deviceID string) (*domain.Device, error) {
	var item domain.Device
	err := db.WithContext(ctx).Raw(
		`SELECT `+selectColumns+`
		 FROM devices
		 WHERE subject = ? AND device_id = ?
		 LIMIT 1`,
		subject,
		deviceID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) CountActive(ctx context.Context, db *gorm.DB, subject string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM devices WHERE subject = ? AND active = ?`,
		subject,
		true,
	).Scan(&total).Error
	return total, err
}

func (r *repo) CountAllActive(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM devices WHERE active = ?`,
		true,
	).Scan(&total).Error
	return total, err
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, device *domain.Device) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO devices (
			id, subject, device_id, name, active, activated_at,
			last_validated_at, deactivated_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ID,
		device.Subject,
		device.DeviceID,
		device.Name,
		device.Active,
		device.ActivatedAt,
		device.LastValidatedAt,
		device.DeactivatedAt,
		device.CreatedAt,
		device.UpdatedAt,
	).Error
}

func (r *repo) Reactivate(ctx context.Context, db *gorm.DB, id int64, name string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE devices
		 SET active = ?, name = ?, activated_at = ?, last_validated_at = ?,
			deactivated_at = NULL, updated_at = ?
		 WHERE id = ?`,
		true,
		name,
		at,
		at,
		at,
		id,
	).Error
}

func (r *repo) Deactivate(ctx context.Context, db *gorm.DB, subject, deviceID string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE devices
		 SET active = ?, deactivated_at = ?, updated_at = ?
		 WHERE subject = ? AND device_id = ? AND active = ?`,
		false,
		at,
		at,
		subject,
		deviceID,
		true,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) DeactivateAll(ctx context.Context, db *gorm.DB, subject string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE devices
		 SET active = ?, deactivated_at = ?, updated_at = ?
		 WHERE subject = ? AND active = ?`,
		false,
		at,
		at,
		subject,
		true,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) TouchValidated(ctx context.Context, db *gorm.DB, subject, deviceID string, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE devices
		 SET last_validated_at = ?, updated_at = ?
		 WHERE subject = ? AND device_id = ? AND active = ?`,
		at,
		at,
		subject,
		deviceID,
		true,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListBySubject(ctx context.Context, db *gorm.DB, subject string, includeInactive bool) ([]domain.Device, error) {
	query := `SELECT ` + selectColumns + `
		 FROM devices
		 WHERE subject = ?`
	args := []any{subject}
	if !includeInactive {
		query += ` AND active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY activated_at ASC, id ASC`

	var items []domain.Device
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
