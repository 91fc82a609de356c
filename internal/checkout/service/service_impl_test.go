package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	authdomain "github.com/smallbiznis/licensing/internal/auth/domain"
	"github.com/smallbiznis/licensing/internal/checkout/domain"
	"github.com/smallbiznis/licensing/internal/checkout/service"
	"github.com/smallbiznis/licensing/internal/clock"
	"github.com/smallbiznis/licensing/internal/config"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	entrepo "github.com/smallbiznis/licensing/internal/entitlement/repository"
	entservice "github.com/smallbiznis/licensing/internal/entitlement/service"
	billingdomain "github.com/smallbiznis/licensing/internal/providers/billing/domain"
	"github.com/smallbiznis/licensing/internal/subjectlock"
	"github.com/smallbiznis/licensing/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type fakeBilling struct {
	mu        sync.Mutex
	customers map[string]string
	searches  atomic.Int32
	creates   atomic.Int32
	sessions  []billingdomain.CheckoutSessionRequest
	fail      error
	gate      chan struct{}
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{customers: map[string]string{}}
}

func (f *fakeBilling) FindCustomer(ctx context.Context, subject string) (*billingdomain.Customer, error) {
	f.searches.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.fail != nil {
		return nil, f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.customers[subject]; ok {
		return &billingdomain.Customer{ID: id}, nil
	}
	return nil, nil
}

func (f *fakeBilling) CreateCustomer(ctx context.Context, email, subject string) (*billingdomain.Customer, error) {
	f.creates.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "cus_" + subject
	f.customers[subject] = id
	return &billingdomain.Customer{ID: id, Email: email}, nil
}

func (f *fakeBilling) CreateCheckoutSession(ctx context.Context, req billingdomain.CheckoutSessionRequest) (*billingdomain.CheckoutSession, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, req)
	return &billingdomain.CheckoutSession{ID: "cs_test", URL: "https://checkout.example/cs_test"}, nil
}

func (f *fakeBilling) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	return "https://portal.example/" + customerRef, nil
}

type fixture struct {
	store   entdomain.Store
	billing *fakeBilling
	svc     domain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	tiers, err := config.NewStaticTierPolicyHolder(config.DefaultTierPolicy())
	require.NoError(t, err)
	store := entservice.NewService(entservice.Params{
		DB:     testutil.OpenDB(t),
		Log:    zap.NewNop(),
		Clock:  clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Repo:   entrepo.Provide(),
		Locker: subjectlock.NewLocal(),
		Tiers:  tiers,
	})
	billing := newFakeBilling()
	cfg := config.Config{Checkout: config.CheckoutConfig{
		SuccessURL:           "http://localhost:3000/billing/success",
		CancelURL:            "http://localhost:3000/billing/cancel",
		PortalReturnURL:      "http://localhost:3000/account",
		AllowedRedirectHosts: []string{"localhost:3000", "app.example.com"},
	}}
	svc := service.NewService(service.Params{Cfg: cfg, Log: zap.NewNop(), Store: store, Billing: billing})
	return fixture{store: store, billing: billing, svc: svc}
}

var user = authdomain.Identity{Subject: "user-1", Email: "user@example.com"}

func TestStartCheckoutBindsSubject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Ensure(ctx, user.Subject, user.Email)
	require.NoError(t, err)

	session, err := f.svc.StartCheckout(ctx, user, entdomain.TierPro, "https://app.example.com/done", "")
	require.NoError(t, err)
	assert.Equal(t, "cs_test", session.SessionID)
	assert.Equal(t, "user-1", session.CorrelationToken)

	require.Len(t, f.billing.sessions, 1)
	req := f.billing.sessions[0]
	assert.Equal(t, "cus_user-1", req.CustomerRef)
	assert.Equal(t, "user-1", req.CorrelationToken)
	assert.Equal(t, "https://app.example.com/done", req.SuccessURL)
	assert.Equal(t, "http://localhost:3000/billing/cancel", req.CancelURL)

	// Checkout never grants entitlement on its own.
	ent, err := f.store.Get(ctx, user.Subject)
	require.NoError(t, err)
	assert.Equal(t, entdomain.TierTrial, ent.Tier)
	assert.Nil(t, ent.BillingCustomerRef)

	// The customer is found again instead of created twice.
	_, err = f.svc.StartCheckout(ctx, user, entdomain.TierPro, "", "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.billing.creates.Load())
}

func TestStartCheckoutRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Ensure(ctx, user.Subject, user.Email)
	require.NoError(t, err)

	_, err = f.svc.StartCheckout(ctx, user, entdomain.TierTrial, "", "")
	assert.True(t, errors.Is(err, entdomain.ErrInvalidTier))
	_, err = f.svc.StartCheckout(ctx, user, entdomain.TierSuspended, "", "")
	assert.True(t, errors.Is(err, entdomain.ErrInvalidTier))
	_, err = f.svc.StartCheckout(ctx, user, entdomain.TierPro, "https://evil.example.net/phish", "")
	assert.True(t, errors.Is(err, domain.ErrInvalidRedirect))
	_, err = f.svc.StartCheckout(ctx, user, entdomain.TierPro, "", "javascript:alert(1)")
	assert.True(t, errors.Is(err, domain.ErrInvalidRedirect))

	setTier(t, f.store, entdomain.TierPro, "sub_1")
	_, err = f.svc.StartCheckout(ctx, user, entdomain.TierPro, "", "")
	assert.True(t, errors.Is(err, domain.ErrAlreadySubscribed))

	setTier(t, f.store, entdomain.TierSuspended, "")
	_, err = f.svc.StartCheckout(ctx, user, entdomain.TierPro, "", "")
	assert.True(t, errors.Is(err, entdomain.ErrSuspended))
}

func TestStartCheckoutProviderFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Ensure(ctx, user.Subject, user.Email)
	require.NoError(t, err)
	f.billing.fail = billingdomain.ErrUnavailable

	_, err = f.svc.StartCheckout(ctx, user, entdomain.TierPro, "", "")
	assert.True(t, errors.Is(err, domain.ErrBillingUnavailable))
}

func TestConcurrentCheckoutsResolveCustomerOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Ensure(ctx, user.Subject, user.Email)
	require.NoError(t, err)
	f.billing.gate = make(chan struct{})

	const callers = 5
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			_, err := f.svc.StartCheckout(ctx, user, entdomain.TierPro, "", "")
			return err
		})
	}
	// Let the shared lookup proceed once the callers have had a chance to pile up.
	time.Sleep(50 * time.Millisecond)
	close(f.billing.gate)
	require.NoError(t, g.Wait())

	assert.LessOrEqual(t, f.billing.creates.Load(), int32(1))
	assert.Len(t, f.billing.sessions, callers)
}

func TestPortal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.Ensure(ctx, user.Subject, user.Email)
	require.NoError(t, err)

	_, err = f.svc.Portal(ctx, user, "")
	assert.True(t, errors.Is(err, domain.ErrNoBillingAccount))

	setTier(t, f.store, entdomain.TierPro, "sub_1", withCustomer("cus_known"))
	portalURL, err := f.svc.Portal(ctx, user, "")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example/cus_known", portalURL)
}

type tierOption func(*entdomain.Entitlement)

func withCustomer(ref string) tierOption {
	return func(e *entdomain.Entitlement) { e.BillingCustomerRef = entdomain.StringPtr(ref) }
}

func setTier(t *testing.T, store entdomain.Store, tier entdomain.Tier, subRef string, opts ...tierOption) {
	t.Helper()
	_, err := store.WithSubject(context.Background(), user.Subject, func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, error) {
		cur.Tier = tier
		cur.BillingSubscriptionRef = entdomain.StringPtr(subRef)
		for _, opt := range opts {
			opt(&cur)
		}
		return &cur, nil
	})
	require.NoError(t, err)
}
