package authorization

import (
	"context"
	"errors"
	"testing"

	"github.com/smallbiznis/licensing/internal/testutil"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	enforcer, err := NewEnforcer(testutil.OpenDB(t))
	if err != nil {
		t.Fatalf("new enforcer: %v", err)
	}
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorizeRoles(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	operator := ActorForKey("op-key", RoleOperator)
	support := ActorForKey("sup-key", RoleSupport)

	cases := []struct {
		actor   Actor
		object  string
		action  string
		allowed bool
	}{
		{operator, ObjectSubject, ActionSubjectUpgrade, true},
		{operator, ObjectDevice, ActionDeviceRevoke, true},
		{operator, ObjectStats, ActionStatsView, true},
		{support, ObjectSubject, ActionSubjectView, true},
		{support, ObjectStats, ActionStatsView, true},
		{support, ObjectSubject, ActionSubjectUpgrade, false},
		{support, ObjectSubject, ActionSubjectDowngrade, false},
		{support, ObjectDevice, ActionDeviceRevoke, false},
		{ActorForKey("odd-key", "intern"), ObjectSubject, ActionSubjectView, false},
	}
	for _, c := range cases {
		err := svc.Authorize(ctx, c.actor, c.object, c.action)
		if c.allowed && err != nil {
			t.Fatalf("%s %s/%s: expected allowed, got %v", c.actor.Role, c.object, c.action, err)
		}
		if !c.allowed && !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s %s/%s: expected forbidden, got %v", c.actor.Role, c.object, c.action, err)
		}
	}
}

func TestAuthorizeFollowsRoleChange(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Authorize(ctx, ActorForKey("key", RoleOperator), ObjectSubject, ActionSubjectUpgrade); err != nil {
		t.Fatalf("operator upgrade: %v", err)
	}
	if err := svc.Authorize(ctx, ActorForKey("key", RoleSupport), ObjectSubject, ActionSubjectUpgrade); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected demoted key to be forbidden, got %v", err)
	}
}

func TestAuthorizeRejectsInvalidInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Authorize(ctx, Actor{}, ObjectSubject, ActionSubjectView); !errors.Is(err, ErrInvalidActor) {
		t.Fatalf("expected invalid actor, got %v", err)
	}
	if err := svc.Authorize(ctx, ActorForKey("k", RoleOperator), "", ActionSubjectView); !errors.Is(err, ErrInvalidObject) {
		t.Fatalf("expected invalid object, got %v", err)
	}
	if err := svc.Authorize(ctx, ActorForKey("k", RoleOperator), ObjectSubject, " "); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected invalid action, got %v", err)
	}
}
