package scheduler

import (
	"context"
	"time"

	billingeventdomain "github.com/smallbiznis/licensing/internal/billingevent/domain"
	"github.com/smallbiznis/licensing/internal/clock"
	"github.com/smallbiznis/licensing/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scheduler runs periodic maintenance. Today that is pruning billing events
// older than the replay window; termination tombstones are never pruned.
type Scheduler struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	events billingeventdomain.Repository

	interval    time.Duration
	eventWindow time.Duration
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Cfg    config.Config
	Events billingeventdomain.Repository
}

func New(p Params) *Scheduler {
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler"),
		clock:       p.Clock,
		events:      p.Events,
		interval:    p.Cfg.Retention.Interval,
		eventWindow: p.Cfg.Retention.EventWindow,
	}
}

func (s *Scheduler) Enabled() bool {
	return s.interval > 0 && s.eventWindow > 0
}

// RunOnce prunes the billing event log and reports how many rows were removed.
func (s *Scheduler) RunOnce(ctx context.Context) (int64, error) {
	if s.eventWindow <= 0 {
		return 0, nil
	}
	cutoff := s.clock.Now().Add(-s.eventWindow)
	deleted, err := s.events.DeleteReceivedBefore(ctx, s.db, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.log.Info("pruned billing events",
			zap.Int64("deleted", deleted),
			zap.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Warn("retention run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
