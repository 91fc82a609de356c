package repository

import (
	"context"

	"github.com/smallbiznis/licensing/internal/entitlement/domain"
	"github.com/smallbiznis/licensing/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const selectColumns = `subject, email, tier, billing_customer_ref, billing_subscription_ref,
	subscription_ref_set_at, device_limit, last_applied_event_id, version, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, ent *domain.Entitlement) (bool, error) {
	res := conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "subject"}}, DoNothing: true}).
		Create(ent)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindBySubject(ctx context.Context, conn *gorm.DB, subject string) (*domain.Entitlement, error) {
	var item domain.Entitlement
	err := conn.WithContext(ctx).Raw(
		`SELECT `+selectColumns+`
		 FROM entitlements
		 WHERE subject = ?
		 LIMIT 1`,
		subject,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.Subject == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindBySubjectForUpdate(ctx context.Context, conn *gorm.DB, subject string) (*domain.Entitlement, error) {
	var items []domain.Entitlement
	err := db.ForUpdate(conn.WithContext(ctx)).
		Where("subject = ?", subject).
		Limit(1).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) FindByCustomerRef(ctx context.Context, conn *gorm.DB, customerRef string) (*domain.Entitlement, error) {
	var item domain.Entitlement
	err := conn.WithContext(ctx).Raw(
		`SELECT `+selectColumns+`
		 FROM entitlements
		 WHERE billing_customer_ref = ?
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		customerRef,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.Subject == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) CompareAndSwap(ctx context.Context, conn *gorm.DB, next *domain.Entitlement, expectedVersion int64) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET tier = ?, billing_customer_ref = ?, billing_subscription_ref = ?, subscription_ref_set_at = ?,
			device_limit = ?, last_applied_event_id = ?, version = ?, updated_at = ?
		 WHERE subject = ? AND version = ?`,
		next.Tier,
		next.BillingCustomerRef,
		next.BillingSubscriptionRef,
		next.SubscriptionRefSetAt,
		next.DeviceLimit,
		next.LastAppliedEventID,
		next.Version,
		next.UpdatedAt,
		next.Subject,
		expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CountByTier(ctx context.Context, conn *gorm.DB) (map[domain.Tier]int64, error) {
	var rows []struct {
		Tier  domain.Tier `gorm:"column:tier"`
		Total int64       `gorm:"column:total"`
	}
	err := conn.WithContext(ctx).Raw(
		`SELECT tier, COUNT(*) AS total
		 FROM entitlements
		 GROUP BY tier`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[domain.Tier]int64{
		domain.TierTrial:     0,
		domain.TierPro:       0,
		domain.TierSuspended: 0,
	}
	for _, row := range rows {
		out[row.Tier] = row.Total
	}
	return out, nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, offset, limit int) ([]domain.Entitlement, error) {
	var items []domain.Entitlement
	err := conn.WithContext(ctx).Raw(
		`SELECT `+selectColumns+`
		 FROM entitlements
		 ORDER BY created_at DESC, subject ASC
		 LIMIT ? OFFSET ?`,
		limit,
		offset,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
