package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensing/internal/clock"
	"github.com/smallbiznis/licensing/internal/config"
	"github.com/smallbiznis/licensing/internal/device/domain"
	devicerepo "github.com/smallbiznis/licensing/internal/device/repository"
	"github.com/smallbiznis/licensing/internal/device/service"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	entrepo "github.com/smallbiznis/licensing/internal/entitlement/repository"
	entservice "github.com/smallbiznis/licensing/internal/entitlement/service"
	"github.com/smallbiznis/licensing/internal/subjectlock"
	"github.com/smallbiznis/licensing/internal/testutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type fixture struct {
	store   entdomain.Store
	devices domain.Service
	clock   *clock.FakeClock
	tiers   *config.TierPolicyHolder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	conn := testutil.OpenDB(t)
	tiers, err := config.NewStaticTierPolicyHolder(config.DefaultTierPolicy())
	if err != nil {
		t.Fatalf("tier policy: %v", err)
	}
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := entservice.NewService(entservice.Params{
		DB:     conn,
		Log:    zap.NewNop(),
		Clock:  clk,
		Repo:   entrepo.Provide(),
		Locker: subjectlock.NewLocal(),
		Tiers:  tiers,
	})
	devices := service.NewService(service.Params{
		DB:    conn,
		Log:   zap.NewNop(),
		Clock: clk,
		GenID: node,
		Repo:  devicerepo.Provide(),
		Store: store,
	})
	return fixture{store: store, devices: devices, clock: clk, tiers: tiers}
}

func (f fixture) setTier(t *testing.T, subject string, tier entdomain.Tier, subRef string) {
	t.Helper()
	_, err := f.store.WithSubject(context.Background(), subject, func(tx *gorm.DB, cur entdomain.Entitlement) (*entdomain.Entitlement, error) {
		cur.Tier = tier
		cur.BillingSubscriptionRef = entdomain.StringPtr(subRef)
		return &cur, nil
	})
	if err != nil {
		t.Fatalf("set tier %s: %v", tier, err)
	}
}

func TestActivateIsIdempotentForActiveDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Ensure(ctx, "user-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	first, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-1", Name: "Laptop"})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !first.Changed {
		t.Fatalf("expected first activation to change state")
	}

	second, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-1"})
	if err != nil {
		t.Fatalf("re-activate: %v", err)
	}
	if second.Changed {
		t.Fatalf("expected re-activation of an active device to be a no-op")
	}

	status, err := f.devices.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.DevicesUsed != 1 || status.DeviceLimit != 1 || status.Tier != entdomain.TierTrial {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestActivateEnforcesLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Ensure(ctx, "user-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-1"}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	_, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-2"})
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded, got %v", err)
	}
}

func TestConcurrentActivationsNeverExceedLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Ensure(ctx, "user-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	f.setTier(t, "user-1", entdomain.TierPro, "sub_1")

	const attempts = 4 // pro limit + 1
	var succeeded, refused atomic.Int32
	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		deviceID := fmt.Sprintf("device-%d", i)
		g.Go(func() error {
			_, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: deviceID})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, domain.ErrLimitExceeded):
				refused.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if succeeded.Load() != 3 || refused.Load() != 1 {
		t.Fatalf("expected 3 successes and 1 refusal, got %d/%d", succeeded.Load(), refused.Load())
	}
	active, err := f.devices.List(ctx, "user-1", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("expected 3 active devices, got %d", len(active))
	}
}

func TestDeactivateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Ensure(ctx, "user-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-1"}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := f.devices.Deactivate(ctx, "user-1", "mac-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	first, err := f.devices.List(ctx, "user-1", true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	f.clock.Advance(time.Minute)
	if err := f.devices.Deactivate(ctx, "user-1", "mac-1"); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	if err := f.devices.Deactivate(ctx, "user-1", "never-seen"); err != nil {
		t.Fatalf("deactivate unknown device: %v", err)
	}
	second, err := f.devices.List(ctx, "user-1", true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected the tombstone to be retained, got %d/%d rows", len(first), len(second))
	}
	if second[0].Active || second[0].DeactivatedAt == nil {
		t.Fatalf("expected inactive tombstone, got %+v", second[0])
	}
	if !second[0].DeactivatedAt.Equal(*first[0].DeactivatedAt) {
		t.Fatalf("second deactivation must not change the tombstone: %s vs %s", second[0].DeactivatedAt, first[0].DeactivatedAt)
	}
}

func TestReactivationCountsAgainstLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Ensure(ctx, "user-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-1"}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := f.devices.Deactivate(ctx, "user-1", "mac-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-2"}); err != nil {
		t.Fatalf("activate replacement: %v", err)
	}

	_, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-1"})
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected reactivation to be refused, got %v", err)
	}

	if err := f.devices.Deactivate(ctx, "user-1", "mac-2"); err != nil {
		t.Fatalf("deactivate replacement: %v", err)
	}
	res, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-1"})
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !res.Device.Active || res.Device.DeactivatedAt != nil {
		t.Fatalf("expected reactivated device, got %+v", res.Device)
	}
}

func TestSuspendedSubjectCannotActivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Ensure(ctx, "user-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-1"}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	f.setTier(t, "user-1", entdomain.TierSuspended, "")

	_, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-2"})
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected limit exceeded while suspended, got %v", err)
	}

	status, err := f.devices.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.DeviceLimit != 0 || status.DevicesUsed != 1 {
		t.Fatalf("expected existing device retained with limit 0, got %+v", status)
	}
}

func TestValidateRequiresActiveDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Ensure(ctx, "user-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.devices.Validate(ctx, "user-1", "mac-1"); !errors.Is(err, domain.ErrUnknownDevice) {
		t.Fatalf("expected unknown device, got %v", err)
	}

	if _, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-1"}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	f.clock.Advance(time.Hour)
	device, err := f.devices.Validate(ctx, "user-1", "mac-1")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if device.LastValidatedAt == nil || !device.LastValidatedAt.Equal(f.clock.Now()) {
		t.Fatalf("expected last_validated_at refreshed, got %v", device.LastValidatedAt)
	}
}

func TestRevokeReportsUnknownDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Ensure(ctx, "user-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-1"}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := f.devices.Revoke(ctx, "user-1", "mac-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := f.devices.Revoke(ctx, "user-1", "mac-1"); !errors.Is(err, domain.ErrUnknownDevice) {
		t.Fatalf("expected unknown device on second revoke, got %v", err)
	}
	if err := f.devices.Revoke(ctx, "user-1", "never-seen"); !errors.Is(err, domain.ErrUnknownDevice) {
		t.Fatalf("expected unknown device, got %v", err)
	}
	if err := f.devices.Revoke(ctx, "nobody", "mac-1"); !errors.Is(err, entdomain.ErrNotFound) {
		t.Fatalf("expected subject not found, got %v", err)
	}

	status, err := f.devices.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.DevicesUsed != 0 {
		t.Fatalf("expected revoked device to free its slot, got %+v", status)
	}
}

func TestStatusFollowsTierPolicyReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Ensure(ctx, "user-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	f.setTier(t, "user-1", entdomain.TierPro, "sub_1")

	policy := config.DefaultTierPolicy()
	policy.ProDeviceLimit = 5
	if err := f.tiers.Set(policy); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	status, err := f.devices.Status(ctx, "user-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.DeviceLimit != 5 {
		t.Fatalf("expected reloaded pro limit 5, got %d", status.DeviceLimit)
	}
}

func TestGetOnlyReturnsActiveDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Ensure(ctx, "user-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: "mac-1"}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	f.clock.Advance(time.Hour)

	device, err := f.devices.Get(ctx, "user-1", "mac-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if device.LastValidatedAt == nil || device.LastValidatedAt.Equal(f.clock.Now()) {
		t.Fatalf("expected get to leave last_validated_at alone, got %v", device.LastValidatedAt)
	}

	if err := f.devices.Deactivate(ctx, "user-1", "mac-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := f.devices.Get(ctx, "user-1", "mac-1"); !errors.Is(err, domain.ErrUnknownDevice) {
		t.Fatalf("expected unknown device after deactivation, got %v", err)
	}
}

func TestRevokeAllDeactivatesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.store.Ensure(ctx, "user-1", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	f.setTier(t, "user-1", entdomain.TierPro, "sub_1")
	for _, id := range []string{"a", "b", "c"} {
		if _, err := f.devices.Activate(ctx, domain.ActivateRequest{Subject: "user-1", DeviceID: id}); err != nil {
			t.Fatalf("activate %s: %v", id, err)
		}
	}

	revoked, err := f.devices.RevokeAll(ctx, "user-1")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked != 3 {
		t.Fatalf("expected 3 revoked, got %d", revoked)
	}
	all, err := f.devices.List(ctx, "user-1", true)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected tombstones retained, got %d", len(all))
	}
	total, err := f.devices.CountActive(ctx)
	if err != nil {
		t.Fatalf("count active: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected no active devices, got %d", total)
	}
}

func TestActivateRejectsEmptyDeviceID(t *testing.T) {
	f := newFixture(t)
	if _, err := f.devices.Activate(context.Background(), domain.ActivateRequest{Subject: "user-1", DeviceID: " "}); !errors.Is(err, domain.ErrInvalidDeviceID) {
		t.Fatalf("expected invalid device id, got %v", err)
	}
}
