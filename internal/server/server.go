package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	activitydomain "github.com/smallbiznis/staykey/internal/activity/domain"
	"github.com/smallbiznis/staykey/internal/activity/ring"
	"github.com/smallbiznis/staykey/internal/authorization"
	bookingdomain "github.com/smallbiznis/staykey/internal/booking/domain"
	"github.com/smallbiznis/staykey/internal/clock"
	"github.com/smallbiznis/staykey/internal/config"
	gatewaydomain "github.com/smallbiznis/staykey/internal/devicegateway/domain"
	"github.com/smallbiznis/staykey/internal/observability"
	obsmiddleware "github.com/smallbiznis/staykey/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/staykey/internal/observability/metrics"
	obstracing "github.com/smallbiznis/staykey/internal/observability/tracing"
	provisioningdomain "github.com/smallbiznis/staykey/internal/provisioning/domain"
	"github.com/smallbiznis/staykey/internal/scheduler"
	vkdomain "github.com/smallbiznis/staykey/internal/virtualkey/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	authorization.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if len(cfg.CORSAllowOrigin) > 0 {
		r.Use(cors.New(corsConfig(cfg.CORSAllowOrigin)))
	}
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

func corsConfig(origins []string) cors.Config {
	allowCredentials := true
	for _, origin := range origins {
		if origin == "*" {
			allowCredentials = false
			break
		}
	}
	return cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: allowCredentials,
		MaxAge:           12 * time.Hour,
	}
}

func registerGin(obsCfg observability.Config, cfg config.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, cfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
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
	engine       *gin.Engine
	cfg          config.Config
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	authzSvc     authorization.Service
	provisioning provisioningdomain.Service
	bookings     bookingdomain.Service
	activity     activitydomain.Service
	liveActivity *ring.Hub
	gateway      gatewaydomain.Gateway
	keys         vkdomain.KeyRepository
	retries      vkdomain.RetryRepository
	scheduler    *scheduler.Scheduler
	obsMetrics   *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	AuthzSvc     authorization.Service
	Provisioning provisioningdomain.Service
	Bookings     bookingdomain.Service
	Activity     activitydomain.Service
	LiveActivity *ring.Hub `optional:"true"`
	Gateway      gatewaydomain.Gateway
	Keys         vkdomain.KeyRepository
	Retries      vkdomain.RetryRepository
	Scheduler    *scheduler.Scheduler
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		log:          p.Log.Named("http.server"),
		clock:        p.Clock,
		authzSvc:     p.AuthzSvc,
		provisioning: p.Provisioning,
		bookings:     p.Bookings,
		activity:     p.Activity,
		liveActivity: p.LiveActivity,
		gateway:      p.Gateway,
		keys:         p.Keys,
		retries:      p.Retries,
		scheduler:    p.Scheduler,
		obsMetrics:   p.ObsMetrics,
	}

	svc.registerJobRoutes()
	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// registerJobRoutes exposes the batch jobs to an external cron caller.
func (s *Server) registerJobRoutes() {
	jobs := s.engine.Group("/jobs", s.CronSecretRequired())
	jobs.POST("/:job", s.TriggerJob)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AdminTokenRequired())

	// -------- Keys --------
	api.GET("/bookings/:id/keys", s.authorizeAction(authorization.ObjectKeys, authorization.ActionKeysView), s.ListBookingKeys)
	api.POST("/bookings/:id/keys", s.authorizeAction(authorization.ObjectKeys, authorization.ActionKeysEnsure), s.EnsureBookingKeys)
	api.POST("/bookings/:id/keys/regenerate", s.authorizeAction(authorization.ObjectKeys, authorization.ActionKeysRegenerate), s.RegenerateBookingKeys)
	api.DELETE("/bookings/:id/keys", s.authorizeAction(authorization.ObjectKeys, authorization.ActionKeysRevoke), s.RevokeBookingKeys)

	// -------- Bookings --------
	api.POST("/bookings/:id/cancel", s.authorizeAction(authorization.ObjectBookings, authorization.ActionBookingsCancel), s.CancelBooking)

	// -------- Operations --------
	api.GET("/retries", s.authorizeAction(authorization.ObjectRetries, authorization.ActionRetriesView), s.ListRetries)
	api.GET("/activity", s.authorizeAction(authorization.ObjectActivity, authorization.ActionActivityView), s.ListActivity)
	api.GET("/activity/stream", s.authorizeAction(authorization.ObjectActivity, authorization.ActionActivityView), s.StreamActivity)
	api.GET("/devices", s.authorizeAction(authorization.ObjectDevices, authorization.ActionDevicesView), s.ListDevices)
	api.POST("/jobs/:job", s.authorizeAction(authorization.ObjectJobs, authorization.ActionJobsTrigger), s.TriggerJob)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payments", s.HandlePaymentWebhook)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
