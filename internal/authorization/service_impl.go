package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/staykey/internal/config"
	obslogger "github.com/smallbiznis/staykey/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const tokenActorPrefix = "token:"

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	roles    map[string]string
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
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	log := p.Log.Named("authorization.service")
	roles := make(map[string]string, len(p.Cfg.AdminTokens))
	for _, token := range p.Cfg.AdminTokens {
		if !ValidRole(token.Role) {
			log.Warn("ignoring admin token with unknown role",
				zap.String("token_name", token.Name),
				zap.String("role", token.Role),
			)
			continue
		}
		roles[token.Name] = token.Role
	}
	return &ServiceImpl{
		log:      log,
		enforcer: p.Enforcer,
		roles:    roles,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
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

	role, err := s.RoleOf(actor)
	if err != nil {
		s.logDenied(ctx, actor, "", object, action)
		return err
	}
	roleName := "role:" + role
	if err := s.ensureGrouping(actor, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.logDenied(ctx, actor, role, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		obslogger.WithContext(ctx, s.log).Info("authorization.granted",
			zap.String("actor", actor),
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
		)
	}
	return nil
}

func (s *ServiceImpl) RoleOf(actor string) (string, error) {
	if actor == ActorSystem {
		return RoleSystem, nil
	}
	if name, ok := strings.CutPrefix(actor, tokenActorPrefix); ok {
		role, found := s.roles[strings.TrimSpace(name)]
		if !found {
			return "", ErrUnknownRole
		}
		return role, nil
	}
	return "", ErrInvalidActor
}

// TokenActor returns the actor string for a named admin token.
func TokenActor(name string) string {
	return tokenActorPrefix + name
}

// ensureGrouping binds subject to exactly one role, replacing stale links
// left by a token whose role changed in configuration.
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

func (s *ServiceImpl) logDenied(ctx context.Context, actor, role, object, action string) {
	obslogger.WithContext(ctx, s.log).Warn("authorization.denied",
		zap.String("actor", actor),
		zap.String("role", role),
		zap.String("object", object),
		zap.String("action", action),
	)
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionKeysRegenerate, ActionKeysRevoke, ActionBookingsCancel:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Viewer permissions (read-only)
		{"role:viewer", ObjectKeys, ActionKeysView},
		{"role:viewer", ObjectRetries, ActionRetriesView},
		{"role:viewer", ObjectActivity, ActionActivityView},
		{"role:viewer", ObjectDevices, ActionDevicesView},

		// Operator permissions
		{"role:operator", ObjectKeys, ActionKeysEnsure},
		{"role:operator", ObjectKeys, ActionKeysRegenerate},
		{"role:operator", ObjectKeys, ActionKeysRevoke},
		{"role:operator", ObjectJobs, ActionJobsTrigger},

		// Admin permissions
		{"role:admin", ObjectBookings, ActionBookingsCancel},

		// System permissions (job triggers and payment webhooks)
		{"role:system", ObjectJobs, ActionJobsTrigger},
		{"role:system", ObjectKeys, ActionKeysEnsure},
		{"role:system", ObjectKeys, ActionKeysRevoke},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}

	inheritance := [][]string{
		{"role:operator", "role:viewer"},
		{"role:admin", "role:operator"},
	}
	for _, link := range inheritance {
		if _, err := enforcer.AddGroupingPolicy(link); err != nil {
			return err
		}
	}
	return nil
}
