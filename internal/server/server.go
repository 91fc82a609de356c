package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	authdomain "github.com/smallbiznis/licensing/internal/auth/domain"
	"github.com/smallbiznis/licensing/internal/authorization"
	billingeventdomain "github.com/smallbiznis/licensing/internal/billingevent/domain"
	checkoutdomain "github.com/smallbiznis/licensing/internal/checkout/domain"
	"github.com/smallbiznis/licensing/internal/config"
	devicedomain "github.com/smallbiznis/licensing/internal/device/domain"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	"github.com/smallbiznis/licensing/internal/licensekey"
	"github.com/smallbiznis/licensing/internal/observability"
	"github.com/smallbiznis/licensing/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/licensing/internal/observability/metrics"
	obstracing "github.com/smallbiznis/licensing/internal/observability/tracing"
	"github.com/smallbiznis/licensing/internal/ratelimit"
	reconciledomain "github.com/smallbiznis/licensing/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module serves the public and admin surfaces on their own listeners.
var Module = fx.Module("http.server",
	fx.Provide(NewServer),
	fx.Invoke(runPublic),
	fx.Invoke(runAdmin),
)

// PublicModule serves only webhooks and subject routes.
var PublicModule = fx.Module("http.server.public",
	fx.Provide(NewServer),
	fx.Invoke(runPublic),
)

// AdminModule serves only the admin routes.
var AdminModule = fx.Module("http.server.admin",
	fx.Provide(NewServer),
	fx.Invoke(runAdmin),
)

const (
	shutdownTimeout = 10 * time.Second
	healthTimeout   = 2 * time.Second

	webhookPath = "/webhooks/billing"
)

type Server struct {
	cfg    config.Config
	log    *zap.Logger
	db     *gorm.DB
	public *gin.Engine
	admin  *gin.Engine

	identity   authdomain.Verifier
	webhooks   billingeventdomain.Verifier
	reconciler reconciledomain.Service
	store      entdomain.Store
	devices    devicedomain.Service
	checkout   checkoutdomain.Service
	licenses   *licensekey.Issuer
	authz      authorization.Service
	limiter    *ratelimit.Limiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Cfg         config.Config
	ObsCfg      observability.Config
	Log         *zap.Logger
	DB          *gorm.DB
	Identity    authdomain.Verifier `optional:"true"`
	Webhooks    billingeventdomain.Verifier
	Reconciler  reconciledomain.Service
	Store       entdomain.Store
	Devices     devicedomain.Service
	Checkout    checkoutdomain.Service
	Licenses    *licensekey.Issuer
	Authz       authorization.Service
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics     `optional:"true"`
	Limiter     *ratelimit.Limiter      `optional:"true"`
}

func NewServer(p ServerParams) (*Server, error) {
	s := &Server{
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		db:         p.DB,
		identity:   p.Identity,
		webhooks:   p.Webhooks,
		reconciler: p.Reconciler,
		store:      p.Store,
		devices:    p.Devices,
		checkout:   p.Checkout,
		licenses:   p.Licenses,
		authz:      p.Authz,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}

	var err error
	if s.public, err = NewEngine(p.ObsCfg, p.HTTPMetrics, p.Cfg.TrustedProxies); err != nil {
		return nil, err
	}
	if s.admin, err = NewEngine(p.ObsCfg, p.HTTPMetrics, p.Cfg.TrustedProxies); err != nil {
		return nil, err
	}
	s.public.GET("/health", s.Health)
	s.admin.GET("/health", s.Health)

	s.registerPublicRoutes()
	s.registerAdminRoutes()

	return s, nil
}

// NewEngine builds a gin engine with the shared middleware chain. Client IPs
// are taken from X-Forwarded-For only when the peer is a trusted proxy.
func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, trustedProxies []string) (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery())
	r.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r, nil
}

// Health reports whether the database answers a ping.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		logger.FromContext(ctx).Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "degraded",
			"db":      "unreachable",
			"version": s.cfg.AppVersion,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"db":      "connected",
		"version": s.cfg.AppVersion,
	})
}

func (s *Server) Public() http.Handler { return s.public }

func (s *Server) Admin() http.Handler { return s.admin }

func (s *Server) registerPublicRoutes() {
	r := s.public
	r.Use(s.RateLimit())

	r.POST(webhookPath, s.HandleBillingWebhook)

	authed := r.Group("", s.SubjectAuthRequired())
	{
		authed.GET("/me", s.Me)
		authed.POST("/checkout", s.StartCheckout)
		authed.POST("/billing/portal", s.BillingPortal)

		license := authed.Group("/license")
		license.GET("/status", s.LicenseStatus)
		license.GET("/machines", s.ListMachines)
		license.DELETE("/machines/:device_id", s.DeactivateMachine)
		license.POST("/activate", s.ActivateMachine)
		license.POST("/validate", s.ValidateMachine)
		license.POST("/offline-key", s.OfflineKey)
	}
}

func (s *Server) registerAdminRoutes() {
	admin := s.admin.Group("/admin", s.AdminKeyRequired())

	admin.GET("/stats", s.authorizeAdmin(authorization.ObjectStats, authorization.ActionStatsView), s.AdminStats)
	admin.GET("/subjects", s.authorizeAdmin(authorization.ObjectSubject, authorization.ActionSubjectView), s.AdminListSubjects)

	subjects := admin.Group("/subjects/:subject")
	subjects.GET("", s.authorizeAdmin(authorization.ObjectSubject, authorization.ActionSubjectView), s.AdminGetSubject)
	subjects.POST("/upgrade", s.authorizeAdmin(authorization.ObjectSubject, authorization.ActionSubjectUpgrade), s.AdminUpgrade)
	subjects.POST("/downgrade", s.authorizeAdmin(authorization.ObjectSubject, authorization.ActionSubjectDowngrade), s.AdminDowngrade)
	subjects.POST("/devices/revoke", s.authorizeAdmin(authorization.ObjectDevice, authorization.ActionDeviceRevoke), s.AdminRevokeDevices)
	subjects.DELETE("/devices/:device_id", s.authorizeAdmin(authorization.ObjectDevice, authorization.ActionDeviceRevoke), s.AdminRevokeDevice)
}

func runPublic(lc fx.Lifecycle, cfg config.Config, s *Server) {
	listen(lc, s.log, "public", cfg.HTTPAddr, s.public)
}

func runAdmin(lc fx.Lifecycle, cfg config.Config, s *Server) {
	listen(lc, s.log, "admin", cfg.AdminHTTPAddr, s.admin)
}

func listen(lc fx.Lifecycle, log *zap.Logger, name, addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http listener starting", zap.String("listener", name), zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http listener failed", zap.String("listener", name), zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
