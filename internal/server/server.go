package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/entitlements/internal/audit/domain"
	"github.com/smallbiznis/entitlements/internal/authorization"
	billingdomain "github.com/smallbiznis/entitlements/internal/billingprovider/domain"
	"github.com/smallbiznis/entitlements/internal/config"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"github.com/smallbiznis/entitlements/internal/featureaccess"
	invalidationdomain "github.com/smallbiznis/entitlements/internal/invalidation/domain"
	"github.com/smallbiznis/entitlements/internal/observability"
	obsmiddleware "github.com/smallbiznis/entitlements/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	obstracing "github.com/smallbiznis/entitlements/internal/observability/tracing"
	overridedomain "github.com/smallbiznis/entitlements/internal/override/domain"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	trialdomain "github.com/smallbiznis/entitlements/internal/trial/domain"
	usagedomain "github.com/smallbiznis/entitlements/internal/usage/domain"
	webhookdomain "github.com/smallbiznis/entitlements/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultHTTPAddr = ":8080"

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if strings.EqualFold(cfg.Environment, "production") {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config

	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	featureAccess   *featureaccess.Service
	usageSvc        usagedomain.Service
	overrideSvc     overridedomain.Service
	trialSvc        trialdomain.Service
	customerSvc     customerdomain.Service
	billingClient   billingdomain.Client
	webhookSvc      webhookdomain.Service
	dispatcher      invalidationdomain.Dispatcher
	obsMetrics      *obsmetrics.Metrics
	usageLimiter    *ratelimit.UsageIngestLimiter
	portalReturnURL string
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	AuthzSvc      authorization.Service
	AuditSvc      auditdomain.Service
	FeatureAccess *featureaccess.Service
	UsageSvc      usagedomain.Service
	OverrideSvc   overridedomain.Service
	TrialSvc      trialdomain.Service
	CustomerSvc   customerdomain.Service
	BillingClient billingdomain.Client
	WebhookSvc    webhookdomain.Service
	Dispatcher    invalidationdomain.Dispatcher
	ObsMetrics    *obsmetrics.Metrics           `optional:"true"`
	UsageLimiter  *ratelimit.UsageIngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		featureAccess:   p.FeatureAccess,
		usageSvc:        p.UsageSvc,
		overrideSvc:     p.OverrideSvc,
		trialSvc:        p.TrialSvc,
		customerSvc:     p.CustomerSvc,
		billingClient:   p.BillingClient,
		webhookSvc:      p.WebhookSvc,
		dispatcher:      p.Dispatcher,
		obsMetrics:      p.ObsMetrics,
		usageLimiter:    p.UsageLimiter,
		portalReturnURL: p.Cfg.Billing.PortalReturnURL,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleWebhook)
}

// registerAPIRoutes serves product backends asking about a single tenant.
func (s *Server) registerAPIRoutes() {
	tenant := s.engine.Group("/v1/tenants/:tenant_id", s.TokenRequired())

	tenant.GET("/entitlements", s.authorizeTenantAction(authorization.ObjectEntitlement, authorization.ActionEntitlementView), s.GetEntitlements)
	tenant.GET("/features/:feature", s.authorizeTenantAction(authorization.ObjectEntitlement, authorization.ActionEntitlementView), s.GetFeature)
	tenant.GET("/limits/:limit", s.authorizeTenantAction(authorization.ObjectEntitlement, authorization.ActionEntitlementView), s.CheckLimit)

	tenant.POST("/quotas/:feature/check", s.authorizeTenantAction(authorization.ObjectQuota, authorization.ActionQuotaCheck), s.CheckQuota)
	tenant.POST("/usage", s.authorizeTenantAction(authorization.ObjectUsage, authorization.ActionUsageRecord), s.UsageIngestRateLimit(), s.RecordUsage)
	tenant.GET("/usage", s.authorizeTenantAction(authorization.ObjectUsage, authorization.ActionUsageView), s.ListUsage)
	tenant.GET("/usage/summary", s.authorizeTenantAction(authorization.ObjectUsage, authorization.ActionUsageView), s.GetUsageSummary)

	tenant.GET("/trial", s.authorizeTenantAction(authorization.ObjectTrial, authorization.ActionTrialView), s.GetTrial)
	tenant.GET("/trial/expiration", s.authorizeTenantAction(authorization.ObjectTrial, authorization.ActionTrialView), s.CheckTrialExpiration)

	tenant.POST("/portal-session", s.authorizeTenantAction(authorization.ObjectBillingPortal, authorization.ActionBillingPortalCreate), s.CreatePortalSession)
}

func (s *Server) registerAdminRoutes() {
	tenant := s.engine.Group("/v1/tenants/:tenant_id", s.TokenRequired())

	tenant.GET("/overrides", s.authorizeTenantAction(authorization.ObjectOverride, authorization.ActionOverrideView), s.ListTenantOverrides)
	tenant.POST("/overrides", s.authorizeTenantAction(authorization.ObjectOverride, authorization.ActionOverrideWrite), s.UpsertTenantOverride)
	tenant.PUT("/quotas/:feature", s.authorizeTenantAction(authorization.ObjectQuota, authorization.ActionQuotaWrite), s.SetQuota)

	tenant.POST("/trial", s.authorizeTenantAction(authorization.ObjectTrial, authorization.ActionTrialManage), s.StartTrial)
	tenant.POST("/trial/extend", s.authorizeTenantAction(authorization.ObjectTrial, authorization.ActionTrialManage), s.ExtendTrial)
	tenant.POST("/trial/cancel", s.authorizeTenantAction(authorization.ObjectTrial, authorization.ActionTrialManage), s.CancelTrial)
	tenant.POST("/trial/convert", s.authorizeTenantAction(authorization.ObjectTrial, authorization.ActionTrialManage), s.ConvertTrial)

	tenant.POST("/cache/invalidate", s.authorizeTenantAction(authorization.ObjectCache, authorization.ActionCacheInvalidate), s.InvalidateTenantCache)
	tenant.PUT("/customer", s.authorizeTenantAction(authorization.ObjectBillingPortal, authorization.ActionBillingPortalCreate), s.LinkCustomer)
	tenant.GET("/customer", s.authorizeTenantAction(authorization.ObjectBillingPortal, authorization.ActionBillingPortalCreate), s.GetCustomer)

	v1 := s.engine.Group("/v1", s.TokenRequired())

	v1.DELETE("/overrides/:id", s.authorizeGlobalAction(authorization.ObjectOverride, authorization.ActionOverrideWrite), s.DeleteOverride)
	v1.GET("/tiers/:tier/overrides", s.authorizeGlobalAction(authorization.ObjectOverride, authorization.ActionOverrideView), s.ListTierOverrides)
	v1.POST("/tiers/:tier/overrides", s.authorizeGlobalAction(authorization.ObjectOverride, authorization.ActionOverrideWrite), s.UpsertTierOverride)

	v1.GET("/trial-configs", s.authorizeGlobalAction(authorization.ObjectTrial, authorization.ActionTrialView), s.ListTrialConfigs)
	v1.PUT("/trial-configs/:code", s.authorizeGlobalAction(authorization.ObjectTrial, authorization.ActionTrialManage), s.UpsertTrialConfig)

	v1.POST("/cache/invalidate", s.authorizeGlobalAction(authorization.ObjectCache, authorization.ActionCacheInvalidate), s.InvalidateAllCaches)
	v1.GET("/audit-logs", s.authorizeGlobalAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
