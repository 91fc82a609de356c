package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/licensing/internal/billingevent/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, record *domain.Record) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_event_id"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkOutcome(ctx context.Context, db *gorm.DB, provider, eventID string, outcome domain.Outcome, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_events
		 SET outcome = ?, processed_at = ?
		 WHERE provider = ? AND provider_event_id = ?`,
		outcome,
		at,
		provider,
		eventID,
	).Error
}

func (r *repo) FindByEventID(ctx context.Context, db *gorm.DB, provider, eventID string) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, subject, customer_ref,
			subscription_ref, outcome, occurred_at, received_at, processed_at
		 FROM billing_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertTermination(ctx context.Context, db *gorm.DB, termination *domain.Termination) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_ref"}},
			DoNothing: true,
		}).
		Create(termination).Error
}

func (r *repo) IsTerminated(ctx context.Context, db *gorm.DB, subscriptionRef string) (bool, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM subscription_terminations WHERE subscription_ref = ?`,
		subscriptionRef,
	).Scan(&total).Error
	return total > 0, err
}

func (r *repo) DeleteReceivedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM billing_events WHERE received_at < ?`,
		cutoff,
	)
	return res.RowsAffected, res.Error
}
