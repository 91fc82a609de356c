package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensing/internal/clock"
	"github.com/smallbiznis/licensing/internal/device/domain"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/licensing/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxDeviceIDLength = 128

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	GenID   *snowflake.Node
	Repo    domain.Repository
	Store   entdomain.Store
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	genID   *snowflake.Node
	repo    domain.Repository
	store   entdomain.Store
	metrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("device.service"),
		clock:   p.Clock,
		genID:   p.GenID,
		repo:    p.Repo,
		store:   p.Store,
		metrics: p.Metrics,
	}
}

func (s *Service) Activate(ctx context.Context, req domain.ActivateRequest) (*domain.ActivateResult, error) {
	deviceID, err := normalizeDeviceID(req.DeviceID)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = deviceID
	}

	var result domain.ActivateResult
	ent, err := s.store.WithSubject(ctx, req.Subject, func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, error) {
		result = domain.ActivateResult{}

		existing, err := s.repo.FindByDeviceID(ctx, tx, cur.Subject, deviceID)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Active {
			result.Device = *existing
			return nil, nil
		}

		active, err := s.repo.CountActive(ctx, tx, cur.Subject)
		if err != nil {
			return nil, err
		}
		if active >= int64(s.store.DeviceLimit(cur.Tier)) {
			return nil, domain.ErrLimitExceeded
		}

		now := s.clock.Now()
		if existing != nil {
			if err := s.repo.Reactivate(ctx, tx, int64(existing.ID), name, now); err != nil {
				return nil, err
			}
			device := *existing
			device.Active = true
			device.Name = name
			device.ActivatedAt = now
			device.LastValidatedAt = &now
			device.DeactivatedAt = nil
			device.UpdatedAt = now
			result.Device = device
		} else {
			device := domain.Device{
				ID:              s.genID.Generate(),
				Subject:         cur.Subject,
				DeviceID:        deviceID,
				Name:            name,
				Active:          true,
				ActivatedAt:     now,
				LastValidatedAt: &now,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := s.repo.Insert(ctx, tx, &device); err != nil {
				return nil, err
			}
			result.Device = device
		}
		result.Changed = true
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrLimitExceeded) {
			s.metrics.RecordDeviceActivation(ctx, "", "limit_exceeded")
			s.log.Info("device activation refused",
				zap.String("subject", req.Subject),
				zap.String("device_id", deviceID),
				zap.String("reason", "limit_exceeded"),
			)
		}
		return nil, err
	}

	result.Entitlement = *ent
	outcome := "already_active"
	if result.Changed {
		outcome = "activated"
		s.log.Info("device activated",
			zap.String("subject", req.Subject),
			zap.String("device_id", deviceID),
			zap.String("tier", string(ent.Tier)),
		)
	}
	s.metrics.RecordDeviceActivation(ctx, string(ent.Tier), outcome)
	return &result, nil
}

// Deactivate tombstones the device. Unknown or already inactive devices are
// a successful no-op.
func (s *Service) Deactivate(ctx context.Context, subject, deviceID string) error {
	deviceID, err := normalizeDeviceID(deviceID)
	if err != nil {
		return err
	}

	var changed int64
	_, err = s.store.WithSubject(ctx, subject, func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, error) {
		n, err := s.repo.Deactivate(ctx, tx, cur.Subject, deviceID, s.clock.Now())
		if err != nil {
			return nil, err
		}
		changed = n
		return nil, nil
	})
	if errors.Is(err, entdomain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if changed > 0 {
		s.log.Info("device deactivated", zap.String("subject", subject), zap.String("device_id", deviceID))
	}
	return nil
}

// Revoke is the admin form of Deactivate. It reports ErrUnknownDevice when
// the subject has no active device with that id.
func (s *Service) Revoke(ctx context.Context, subject, deviceID string) error {
	deviceID, err := normalizeDeviceID(deviceID)
	if err != nil {
		return err
	}

	_, err = s.store.WithSubject(ctx, subject, func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, error) {
		n, err := s.repo.Deactivate(ctx, tx, cur.Subject, deviceID, s.clock.Now())
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, domain.ErrUnknownDevice
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	s.log.Info("device revoked", zap.String("subject", subject), zap.String("device_id", deviceID))
	return nil
}

func (s *Service) Validate(ctx context.Context, subject, deviceID string) (*domain.Device, error) {
	deviceID, err := normalizeDeviceID(deviceID)
	if err != nil {
		return nil, err
	}
	subject = strings.TrimSpace(subject)

	touched, err := s.repo.TouchValidated(ctx, s.db, subject, deviceID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if touched == 0 {
		return nil, domain.ErrUnknownDevice
	}
	device, err := s.repo.FindByDeviceID(ctx, s.db, subject, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, domain.ErrUnknownDevice
	}
	return device, nil
}

// Get returns the subject's active device without touching it.
func (s *Service) Get(ctx context.Context, subject, deviceID string) (*domain.Device, error) {
	deviceID, err := normalizeDeviceID(deviceID)
	if err != nil {
		return nil, err
	}
	device, err := s.repo.FindByDeviceID(ctx, s.db, strings.TrimSpace(subject), deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil || !device.Active {
		return nil, domain.ErrUnknownDevice
	}
	return device, nil
}

func (s *Service) List(ctx context.Context, subject string, includeInactive bool) ([]domain.Device, error) {
	return s.repo.ListBySubject(ctx, s.db, strings.TrimSpace(subject), includeInactive)
}

func (s *Service) Status(ctx context.Context, subject string) (domain.Status, error) {
	ent, err := s.store.Get(ctx, subject)
	if err != nil {
		return domain.Status{}, err
	}
	used, err := s.repo.CountActive(ctx, s.db, ent.Subject)
	if err != nil {
		return domain.Status{}, err
	}
	return domain.Status{
		Tier:        ent.Tier,
		DeviceLimit: s.store.DeviceLimit(ent.Tier),
		DevicesUsed: used,
	}, nil
}

// RevokeAll deactivates every active device of the subject.
func (s *Service) RevokeAll(ctx context.Context, subject string) (int64, error) {
	var revoked int64
	_, err := s.store.WithSubject(ctx, subject, func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, error) {
		n, err := s.repo.DeactivateAll(ctx, tx, cur.Subject, s.clock.Now())
		if err != nil {
			return nil, err
		}
		revoked = n
		return nil, nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("devices revoked", zap.String("subject", subject), zap.Int64("count", revoked))
	return revoked, nil
}

func (s *Service) CountActive(ctx context.Context) (int64, error) {
	return s.repo.CountAllActive(ctx, s.db)
}

func normalizeDeviceID(raw string) (string, error) {
	deviceID := strings.TrimSpace(raw)
	if deviceID == "" || len(deviceID) > maxDeviceIDLength {
		return "", domain.ErrInvalidDeviceID
	}
	return deviceID, nil
}
