package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/licensing/internal/clock"
	"github.com/smallbiznis/licensing/internal/config"
	"github.com/smallbiznis/licensing/internal/entitlement/domain"
	"github.com/smallbiznis/licensing/internal/subjectlock"
	"github.com/smallbiznis/licensing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxAttempts = 5

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Repo   domain.Repository
	Locker subjectlock.Locker
	Tiers  *config.TierPolicyHolder
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        domain.Repository
	locker      subjectlock.Locker
	tiers       *config.TierPolicyHolder
	maxAttempts int
}

func NewService(p Params) domain.Store {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("entitlement.service"),
		clock:       p.Clock,
		repo:        p.Repo,
		locker:      p.Locker,
		tiers:       p.Tiers,
		maxAttempts: defaultMaxAttempts,
	}
}

func (s *Service) DeviceLimit(tier domain.Tier) int {
	policy := s.tiers.Get()
	switch tier {
	case domain.TierPro:
		return policy.ProDeviceLimit
	case domain.TierSuspended:
		return policy.SuspendedDeviceLimit
	default:
		return policy.TrialDeviceLimit
	}
}

func (s *Service) Ensure(ctx context.Context, subject, email string) (*domain.Entitlement, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, domain.ErrInvalidSubject
	}

	existing, err := s.repo.FindBySubject(ctx, s.db, subject)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.clock.Now()
	ent := &domain.Entitlement{
		Subject:     subject,
		Email:       strings.TrimSpace(email),
		Tier:        domain.TierTrial,
		DeviceLimit: s.DeviceLimit(domain.TierTrial),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := s.repo.Insert(ctx, s.db, ent)
	if err != nil && !db.IsDuplicateKeyErr(err) {
		return nil, err
	}
	if created {
		s.log.Info("entitlement created", zap.String("subject", subject), zap.String("tier", string(ent.Tier)))
	}

	// A concurrent first contact may have won the insert.
	stored, err := s.repo.FindBySubject(ctx, s.db, subject)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, domain.ErrNotFound
	}
	return stored, nil
}

func (s *Service) Get(ctx context.Context, subject string) (*domain.Entitlement, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, domain.ErrInvalidSubject
	}
	ent, err := s.repo.FindBySubject(ctx, s.db, subject)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, domain.ErrNotFound
	}
	return ent, nil
}

func (s *Service) FindByCustomerRef(ctx context.Context, customerRef string) (*domain.Entitlement, error) {
	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" {
		return nil, domain.ErrNotFound
	}
	ent, err := s.repo.FindByCustomerRef(ctx, s.db, customerRef)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, domain.ErrNotFound
	}
	return ent, nil
}

func (s *Service) WithSubject(ctx context.Context, subject string, fn domain.MutateFunc) (*domain.Entitlement, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, domain.ErrInvalidSubject
	}

	unlock, err := s.locker.Lock(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("lock subject: %w", err)
	}
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		result, err := s.applyOnce(ctx, subject, fn)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) && !db.IsRetryableTxErr(err) {
			return nil, err
		}
		lastErr = err
		s.log.Warn("entitlement section retried",
			zap.String("subject", subject),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (s *Service) applyOnce(ctx context.Context, subject string, fn domain.MutateFunc) (*domain.Entitlement, error) {
	var result *domain.Entitlement
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindBySubjectForUpdate(ctx, tx, subject)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}

		next, err := fn(tx, *current)
		if err != nil {
			return err
		}

		write := *current
		if next != nil {
			write = *next
			write.Subject = current.Subject
			write.Email = current.Email
			write.CreatedAt = current.CreatedAt
			write.UpdatedAt = s.clock.Now()
			if write.UpdatedAt.Before(current.UpdatedAt) {
				write.UpdatedAt = current.UpdatedAt
			}
		}
		write.DeviceLimit = s.DeviceLimit(write.Tier)
		if err := write.Validate(); err != nil {
			return err
		}
		write.Version = current.Version + 1

		swapped, err := s.repo.CompareAndSwap(ctx, tx, &write, current.Version)
		if err != nil {
			return err
		}
		if !swapped {
			return domain.ErrVersionConflict
		}
		result = &write
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	byTier, err := s.repo.CountByTier(ctx, s.db)
	if err != nil {
		return domain.Stats{}, err
	}
	var total int64
	for _, n := range byTier {
		total += n
	}
	return domain.Stats{Subjects: total, ByTier: byTier}, nil
}

func (s *Service) List(ctx context.Context, offset, limit int) ([]domain.Entitlement, error) {
	offset, limit = domain.ClampPage(offset, limit)
	return s.repo.List(ctx, s.db, offset, limit)
}
