package authorization

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/entitlements/internal/audit/domain"
	"github.com/smallbiznis/entitlements/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectEntitlement   = "entitlement"
	ObjectUsage         = "usage"
	ObjectQuota         = "quota"
	ObjectOverride      = "override"
	ObjectTrial         = "trial"
	ObjectCache         = "cache"
	ObjectAuditLog      = "audit_log"
	ObjectBillingPortal = "billing_portal"
)

const (
	ActionEntitlementView = "entitlement.view"

	ActionUsageRecord = "usage.record"
	ActionUsageView   = "usage.view"

	ActionQuotaCheck = "quota.check"
	ActionQuotaWrite = "quota.write"

	ActionOverrideView  = "override.view"
	ActionOverrideWrite = "override.write"

	ActionTrialView   = "trial.view"
	ActionTrialManage = "trial.manage"

	ActionCacheInvalidate = "cache.invalidate"

	ActionAuditLogView = "audit_log.view"

	ActionBillingPortalCreate = "billing_portal.create"
)

const (
	RoleAdmin   = "admin"
	RoleSupport = "support"
	RoleService = "service"
	RoleSystem  = "system"

	globalDomain = "global"
)

type Params struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
	tokens   map[string]config.AdminToken
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
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	roles := make(map[string]string, len(p.Cfg.AdminTokens))
	for _, token := range p.Cfg.AdminTokens {
		roles[token.Name] = token.Role
	}
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
		tokens:   p.Cfg.AdminTokens,
		roles:    roles,
	}
}

func (s *ServiceImpl) ResolveToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	for candidate, entry := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return "token:" + entry.Name, nil
		}
	}
	return "", ErrUnauthorized
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, tenantID string, object string, action string) error {
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

	domain := globalDomain
	tenantID = strings.TrimSpace(tenantID)
	if tenantID != "" {
		parsed, err := snowflake.ParseString(tenantID)
		if err != nil || parsed == 0 {
			return ErrInvalidTenant
		}
		domain = "tenant:" + parsed.String()
	}

	subject, roleName, actorType, actorID, err := s.resolveActor(actor)
	if err != nil {
		s.audit(ctx, auditdomain.ActionAuthorizationDenied, actorType, actorID, tenantID, object, action)
		return err
	}

	if err := s.ensureGrouping(subject, roleName, domain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, domain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Debug("authorization denied",
			zap.String("subject", subject),
			zap.String("domain", domain),
			zap.String("action", action),
		)
		s.audit(ctx, auditdomain.ActionAuthorizationDenied, actorType, actorID, tenantID, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.audit(ctx, auditdomain.ActionAuthorizationGranted, actorType, actorID, tenantID, object, action)
	}
	return nil
}

func (s *ServiceImpl) resolveActor(actor string) (string, string, string, *string, error) {
	if actor == RoleSystem {
		return actor, "role:" + RoleSystem, RoleSystem, nil, nil
	}
	if name, ok := strings.CutPrefix(actor, "token:"); ok {
		name = strings.TrimSpace(name)
		if name == "" {
			return "", "", "", nil, ErrInvalidActor
		}
		role, ok := s.roles[name]
		if !ok || role == "" {
			return actor, "", "token", &name, ErrForbidden
		}
		return actor, "role:" + strings.ToLower(role), "token", &name, nil
	}
	return "", "", "", nil, ErrInvalidActor
}

// ensureGrouping keeps exactly one role link per subject and domain, so a role
// change in config takes effect on the next request.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func (s *ServiceImpl) audit(ctx context.Context, auditAction string, actorType string, actorID *string, tenantID string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	var tenant *snowflake.ID
	if parsed, err := snowflake.ParseString(tenantID); err == nil && parsed != 0 {
		tenant = &parsed
	}
	if actorType == "" {
		actorType = "unknown"
	}
	targetID := fmt.Sprintf("%s:%s", object, action)
	_ = s.auditSvc.AuditLog(ctx, tenant, actorType, actorID, auditAction, "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
	})
}

func shouldAuditGrant(action string) bool {
	switch action {
	case ActionOverrideWrite, ActionQuotaWrite, ActionCacheInvalidate:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	all := []struct{ object, action string }{
		{ObjectEntitlement, ActionEntitlementView},
		{ObjectUsage, ActionUsageRecord},
		{ObjectUsage, ActionUsageView},
		{ObjectQuota, ActionQuotaCheck},
		{ObjectQuota, ActionQuotaWrite},
		{ObjectOverride, ActionOverrideView},
		{ObjectOverride, ActionOverrideWrite},
		{ObjectTrial, ActionTrialView},
		{ObjectTrial, ActionTrialManage},
		{ObjectCache, ActionCacheInvalidate},
		{ObjectAuditLog, ActionAuditLogView},
		{ObjectBillingPortal, ActionBillingPortalCreate},
	}

	policies := make([][]string, 0, len(all)*2)
	for _, p := range all {
		policies = append(policies, []string{"role:" + RoleAdmin, p.object, p.action})
	}
	policies = append(policies,
		// support: read everything, manage trials, kick the cache
		[]string{"role:" + RoleSupport, ObjectEntitlement, ActionEntitlementView},
		[]string{"role:" + RoleSupport, ObjectUsage, ActionUsageView},
		[]string{"role:" + RoleSupport, ObjectOverride, ActionOverrideView},
		[]string{"role:" + RoleSupport, ObjectTrial, ActionTrialView},
		[]string{"role:" + RoleSupport, ObjectTrial, ActionTrialManage},
		[]string{"role:" + RoleSupport, ObjectCache, ActionCacheInvalidate},
		[]string{"role:" + RoleSupport, ObjectAuditLog, ActionAuditLogView},

		// service: product backends asking "what can this tenant do"
		[]string{"role:" + RoleService, ObjectEntitlement, ActionEntitlementView},
		[]string{"role:" + RoleService, ObjectUsage, ActionUsageRecord},
		[]string{"role:" + RoleService, ObjectUsage, ActionUsageView},
		[]string{"role:" + RoleService, ObjectQuota, ActionQuotaCheck},
		[]string{"role:" + RoleService, ObjectTrial, ActionTrialView},
		[]string{"role:" + RoleService, ObjectBillingPortal, ActionBillingPortalCreate},

		// system: scheduler and CLI
		[]string{"role:" + RoleSystem, ObjectTrial, ActionTrialManage},
		[]string{"role:" + RoleSystem, ObjectOverride, ActionOverrideWrite},
		[]string{"role:" + RoleSystem, ObjectCache, ActionCacheInvalidate},
	)

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
