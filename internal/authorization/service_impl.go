package authorization

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectSubject = "subject"
	ObjectDevice  = "device"
	ObjectStats   = "stats"
)

const (
	ActionSubjectView      = "subject.view"
	ActionSubjectUpgrade   = "subject.upgrade"
	ActionSubjectDowngrade = "subject.downgrade"

	ActionDeviceRevoke = "device.revoke"

	ActionStatsView = "stats.view"
)

const (
	RoleOperator = "operator"
	RoleSupport  = "support"
)

// Actor is an authenticated admin caller. KeyID identifies the admin key
// without exposing it.
type Actor struct {
	KeyID string
	Role  string
}

// ActorForKey derives the actor of a pre-shared admin key.
func ActorForKey(key, role string) Actor {
	sum := sha256.Sum256([]byte(key))
	return Actor{
		KeyID: hex.EncodeToString(sum[:])[:12],
		Role:  strings.ToLower(strings.TrimSpace(role)),
	}
}

func (a Actor) String() string {
	return "admin_key:" + a.KeyID
}

type Service interface {
	Authorize(ctx context.Context, actor Actor, object string, action string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	if strings.TrimSpace(actor.KeyID) == "" || strings.TrimSpace(actor.Role) == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject := actor.String()
	roleName := fmt.Sprintf("role:%s", actor.Role)
	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("admin action denied",
			zap.String("actor", subject),
			zap.String("role", actor.Role),
			zap.String("object", object),
			zap.String("action", action),
			zap.Bool("security", true),
		)
		return ErrForbidden
	}
	return nil
}

// ensureGrouping keeps exactly one role link per admin key so a key moved to
// another role loses the old one.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Support: read-only
		{"role:support", ObjectSubject, ActionSubjectView},
		{"role:support", ObjectStats, ActionStatsView},

		// Operator
		{"role:operator", ObjectSubject, ActionSubjectView},
		{"role:operator", ObjectSubject, ActionSubjectUpgrade},
		{"role:operator", ObjectSubject, ActionSubjectDowngrade},
		{"role:operator", ObjectDevice, ActionDeviceRevoke},
		{"role:operator", ObjectStats, ActionStatsView},
	}

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
