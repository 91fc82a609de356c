package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	eventdomain "github.com/smallbiznis/licensing/internal/billingevent/domain"
	"github.com/smallbiznis/licensing/internal/clock"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	obsmetrics "github.com/smallbiznis/licensing/internal/observability/metrics"
	"github.com/smallbiznis/licensing/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	GenID    *snowflake.Node
	Store    entdomain.Store
	Events   eventdomain.Repository
	Metrics  *obsmetrics.Metrics          `optional:"true"`
	Outcomes *obsmetrics.ReconcileMetrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	store    entdomain.Store
	events   eventdomain.Repository
	metrics  *obsmetrics.Metrics
	outcomes *obsmetrics.ReconcileMetrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("reconcile.service"),
		clock:    p.Clock,
		genID:    p.GenID,
		store:    p.Store,
		events:   p.Events,
		metrics:  p.Metrics,
		outcomes: p.Outcomes,
	}
}

// transition decides what an event does to the locked entitlement. It
// returns the entitlement to write (nil for no change) and the outcome to
// record.
type transition func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, eventdomain.Outcome, error)

// Apply reconciles one verified billing event. Every event is recorded in
// the idempotence log exactly once; redeliveries report OutcomeDuplicate.
func (s *Service) Apply(ctx context.Context, event eventdomain.Event) (domain.Result, error) {
	if strings.TrimSpace(event.EventID) == "" {
		return domain.Result{}, eventdomain.ErrInvalidPayload
	}
	if event.Provider == "" {
		event.Provider = eventdomain.ProviderStripe
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now()
	}

	var (
		result domain.Result
		err    error
	)
	switch {
	case event.Type == eventdomain.EventCheckoutCompleted:
		result, err = s.applyCheckoutCompleted(ctx, event)
	case event.Terminal():
		result, err = s.applyTermination(ctx, event)
	case event.Type == eventdomain.EventPaymentFailed:
		result, err = s.applyPaymentFailed(ctx, event)
	default:
		result, err = s.recordUnbound(ctx, event, "", eventdomain.OutcomeIgnored, nil)
	}
	if err != nil {
		s.log.Error("billing event apply failed",
			zap.String("provider", event.Provider),
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		return domain.Result{}, err
	}

	s.observe(ctx, event, result)
	return result, nil
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, event eventdomain.Event) (domain.Result, error) {
	subject := strings.TrimSpace(event.CorrelationToken)
	if subject == "" || event.SubscriptionRef == "" {
		return s.recordUnbound(ctx, event, subject, eventdomain.OutcomeUnresolved, nil)
	}
	if _, err := s.store.Get(ctx, subject); err != nil {
		if errors.Is(err, entdomain.ErrNotFound) {
			return s.recordUnbound(ctx, event, subject, eventdomain.OutcomeUnresolved, nil)
		}
		return domain.Result{}, err
	}

	return s.applyToSubject(ctx, event, subject, func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, eventdomain.Outcome, error) {
		terminated, err := s.events.IsTerminated(ctx, tx, event.SubscriptionRef)
		if err != nil {
			return nil, "", err
		}
		if terminated || supersedes(cur, event) {
			return nil, eventdomain.OutcomeStale, nil
		}
		return grantPro(cur, event.CustomerRef, event.SubscriptionRef, event.EventID, event.OccurredAt, false), eventdomain.OutcomeApplied, nil
	})
}

// supersedes reports whether cur is bound to a different subscription by an
// event that occurred after this checkout. Such a checkout is a late
// redelivery and must not replace the newer ref.
func supersedes(cur entdomain.Entitlement, event eventdomain.Event) bool {
	current := cur.SubscriptionRef()
	if current == "" || current == event.SubscriptionRef || cur.SubscriptionRefSetAt == nil {
		return false
	}
	return event.OccurredAt.Before(*cur.SubscriptionRefSetAt)
}

func (s *Service) applyTermination(ctx context.Context, event eventdomain.Event) (domain.Result, error) {
	if event.SubscriptionRef == "" {
		return s.recordUnbound(ctx, event, "", eventdomain.OutcomeUnresolved, nil)
	}

	subject, err := s.resolveSubscriber(ctx, event)
	if err != nil {
		return domain.Result{}, err
	}
	tombstone := func(tx *gorm.DB) error {
		return s.events.InsertTermination(ctx, tx, &eventdomain.Termination{
			SubscriptionRef: event.SubscriptionRef,
			ProviderEventID: event.EventID,
			TerminatedAt:    event.OccurredAt,
		})
	}
	if subject == "" {
		return s.recordUnbound(ctx, event, "", eventdomain.OutcomeUnresolved, tombstone)
	}

	return s.applyToSubject(ctx, event, subject, func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, eventdomain.Outcome, error) {
		if err := tombstone(tx); err != nil {
			return nil, "", err
		}
		if cur.SubscriptionRef() != event.SubscriptionRef {
			return nil, eventdomain.OutcomeStale, nil
		}
		next := cur
		next.BillingSubscriptionRef = nil
		next.SubscriptionRefSetAt = nil
		if next.Tier != entdomain.TierSuspended {
			next.Tier = entdomain.TierTrial
		}
		next.LastAppliedEventID = entdomain.StringPtr(event.EventID)
		return &next, eventdomain.OutcomeApplied, nil
	})
}

func (s *Service) applyPaymentFailed(ctx context.Context, event eventdomain.Event) (domain.Result, error) {
	subject := ""
	if ent, err := s.store.FindByCustomerRef(ctx, event.CustomerRef); err == nil {
		subject = ent.Subject
	} else if !errors.Is(err, entdomain.ErrNotFound) {
		return domain.Result{}, err
	}

	s.log.Warn("billing payment failed",
		zap.String("event_id", event.EventID),
		zap.String("subject", subject),
		zap.String("customer_ref", event.CustomerRef),
		zap.String("subscription_ref", event.SubscriptionRef),
	)
	return s.recordUnbound(ctx, event, subject, eventdomain.OutcomeWarning, nil)
}

// resolveSubscriber finds the subject owning a subscription: customer ref
// first, then the correlation token carried in subscription metadata.
func (s *Service) resolveSubscriber(ctx context.Context, event eventdomain.Event) (string, error) {
	ent, err := s.store.FindByCustomerRef(ctx, event.CustomerRef)
	if err == nil {
		return ent.Subject, nil
	}
	if !errors.Is(err, entdomain.ErrNotFound) {
		return "", err
	}

	token := strings.TrimSpace(event.CorrelationToken)
	if token == "" {
		return "", nil
	}
	ent, err = s.store.Get(ctx, token)
	if err == nil {
		return ent.Subject, nil
	}
	if errors.Is(err, entdomain.ErrNotFound) {
		return "", nil
	}
	return "", err
}

// applyToSubject claims the event and runs fn in the subject's atomic
// section so the log entry and the state change commit together.
func (s *Service) applyToSubject(ctx context.Context, event eventdomain.Event, subject string, fn transition) (domain.Result, error) {
	var outcome eventdomain.Outcome
	ent, err := s.store.WithSubject(ctx, subject, func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, error) {
		outcome = ""

		claimed, err := s.events.Claim(ctx, tx, s.newRecord(event, cur.Subject))
		if err != nil {
			return nil, err
		}
		if !claimed {
			outcome = eventdomain.OutcomeDuplicate
			return nil, nil
		}

		next, decided, err := fn(tx, cur)
		if err != nil {
			return nil, err
		}
		if err := s.events.MarkOutcome(ctx, tx, event.Provider, event.EventID, decided, s.clock.Now()); err != nil {
			return nil, err
		}
		outcome = decided
		return next, nil
	})
	if err != nil {
		return domain.Result{}, err
	}
	return domain.Result{Outcome: outcome, Subject: subject, Entitlement: ent}, nil
}

// recordUnbound logs an event that touches no entitlement. extra runs in the
// same transaction when the event is claimed for the first time.
func (s *Service) recordUnbound(ctx context.Context, event eventdomain.Event, subject string, outcome eventdomain.Outcome, extra func(tx *gorm.DB) error) (domain.Result, error) {
	record := s.newRecord(event, subject)
	record.Outcome = outcome
	now := s.clock.Now()
	record.ProcessedAt = &now

	final := outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := s.events.Claim(ctx, tx, record)
		if err != nil {
			return err
		}
		if !claimed {
			final = eventdomain.OutcomeDuplicate
			return nil
		}
		if extra != nil {
			return extra(tx)
		}
		return nil
	})
	if err != nil {
		return domain.Result{}, err
	}

	if final == eventdomain.OutcomeUnresolved {
		s.log.Warn("billing event correlation unresolved",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.Type),
			zap.String("customer_ref", event.CustomerRef),
			zap.String("subscription_ref", event.SubscriptionRef),
			zap.Error(eventdomain.ErrUnresolvedCorrelation),
		)
	}
	return domain.Result{Outcome: final, Subject: subject}, nil
}

func (s *Service) Upgrade(ctx context.Context, req domain.UpgradeRequest) (domain.Result, error) {
	if req.Tier != entdomain.TierPro {
		return domain.Result{}, entdomain.ErrInvalidTier
	}
	subRef := strings.TrimSpace(req.SubscriptionRef)
	if subRef == "" {
		return domain.Result{}, domain.ErrMissingSubscriptionRef
	}
	customerRef := strings.TrimSpace(req.CustomerRef)

	event := s.adminEvent(domain.EventAdminUpgrade, req.IdempotencyKey)
	event.CustomerRef = customerRef
	event.SubscriptionRef = subRef

	result, err := s.applyToSubject(ctx, event, req.Subject, func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, eventdomain.Outcome, error) {
		terminated, err := s.events.IsTerminated(ctx, tx, subRef)
		if err != nil {
			return nil, "", err
		}
		if terminated {
			return nil, eventdomain.OutcomeStale, nil
		}
		return grantPro(cur, customerRef, subRef, event.EventID, event.OccurredAt, true), eventdomain.OutcomeApplied, nil
	})
	if err != nil {
		return domain.Result{}, err
	}
	s.logOverride(event, result)
	s.observe(ctx, event, result)
	return result, nil
}

func (s *Service) Downgrade(ctx context.Context, req domain.DowngradeRequest) (domain.Result, error) {
	if req.Tier != entdomain.TierTrial && req.Tier != entdomain.TierSuspended {
		return domain.Result{}, entdomain.ErrInvalidTier
	}

	event := s.adminEvent(domain.EventAdminDowngrade, req.IdempotencyKey)
	result, err := s.applyToSubject(ctx, event, req.Subject, func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, eventdomain.Outcome, error) {
		next := cur
		next.Tier = req.Tier
		if req.Tier == entdomain.TierTrial {
			next.BillingSubscriptionRef = nil
			next.SubscriptionRefSetAt = nil
		}
		next.LastAppliedEventID = entdomain.StringPtr(event.EventID)
		return &next, eventdomain.OutcomeApplied, nil
	})
	if err != nil {
		return domain.Result{}, err
	}
	s.logOverride(event, result)
	s.observe(ctx, event, result)
	return result, nil
}

// grantPro moves cur to pro on the given refs. boundAt is recorded when the
// subscription ref changes. Suspension is only lifted by an admin override.
func grantPro(cur entdomain.Entitlement, customerRef, subRef, eventID string, boundAt time.Time, override bool) *entdomain.Entitlement {
	next := cur
	if customerRef != "" {
		next.BillingCustomerRef = entdomain.StringPtr(customerRef)
	}
	if cur.SubscriptionRef() != subRef || cur.SubscriptionRefSetAt == nil {
		at := boundAt.UTC()
		next.SubscriptionRefSetAt = &at
	}
	next.BillingSubscriptionRef = entdomain.StringPtr(subRef)
	if cur.Tier != entdomain.TierSuspended || override {
		next.Tier = entdomain.TierPro
	}
	next.LastAppliedEventID = entdomain.StringPtr(eventID)
	return &next
}

func (s *Service) adminEvent(eventType, idempotencyKey string) eventdomain.Event {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	return eventdomain.Event{
		Provider:   domain.ProviderAdmin,
		EventID:    "admin:" + key,
		Type:       eventType,
		OccurredAt: s.clock.Now(),
	}
}

func (s *Service) newRecord(event eventdomain.Event, subject string) *eventdomain.Record {
	now := s.clock.Now()
	return &eventdomain.Record{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.EventID,
		EventType:       event.Type,
		Subject:         entdomain.StringPtr(subject),
		CustomerRef:     entdomain.StringPtr(event.CustomerRef),
		SubscriptionRef: entdomain.StringPtr(event.SubscriptionRef),
		Outcome:         eventdomain.OutcomePending,
		OccurredAt:      event.OccurredAt,
		ReceivedAt:      now,
	}
}

func (s *Service) logOverride(event eventdomain.Event, result domain.Result) {
	fields := []zap.Field{
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.Type),
		zap.String("subject", result.Subject),
		zap.String("outcome", string(result.Outcome)),
	}
	if result.Entitlement != nil {
		fields = append(fields, zap.String("tier", string(result.Entitlement.Tier)))
	}
	s.log.Info("admin override applied", fields...)
}

func (s *Service) observe(ctx context.Context, event eventdomain.Event, result domain.Result) {
	s.metrics.RecordBillingEvent(ctx, event.Provider, event.Type, string(result.Outcome))
	s.outcomes.Observe(event.Type, string(result.Outcome))

	if event.Provider == domain.ProviderAdmin {
		return
	}
	fields := []zap.Field{
		zap.String("provider", event.Provider),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.Type),
		zap.String("subject", result.Subject),
		zap.String("outcome", string(result.Outcome)),
		zap.Duration("lag", s.clock.Now().Sub(event.OccurredAt).Round(time.Second)),
	}
	if result.Entitlement != nil {
		fields = append(fields, zap.String("tier", string(result.Entitlement.Tier)))
	}
	s.log.Info("billing event reconciled", fields...)
}
