package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/siteforge/siteforge/internal/audit/domain"
	"github.com/siteforge/siteforge/internal/config"
	deploymentdomain "github.com/siteforge/siteforge/internal/deployment/domain"
	"github.com/siteforge/siteforge/internal/observability"
	obsmiddleware "github.com/siteforge/siteforge/internal/observability/logger"
	obsmetrics "github.com/siteforge/siteforge/internal/observability/metrics"
	obstracing "github.com/siteforge/siteforge/internal/observability/tracing"
	projectdomain "github.com/siteforge/siteforge/internal/project/domain"
	registryprovider "github.com/siteforge/siteforge/internal/providers/registry"
	webhookdomain "github.com/siteforge/siteforge/internal/webhook/domain"
	"go.uber.org/fx"
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
	if registry := httpMetrics.Registry(); registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	return r
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	projectSvc    projectdomain.Service
	deploymentSvc deploymentdomain.Service
	webhookSvc    webhookdomain.Service
	auditSvc      auditdomain.Service
	registrySvc   registryprovider.Lookup
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	ProjectSvc    projectdomain.Service
	DeploymentSvc deploymentdomain.Service
	WebhookSvc    webhookdomain.Service
	AuditSvc      auditdomain.Service
	RegistrySvc   registryprovider.Lookup
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		projectSvc:    p.ProjectSvc,
		deploymentSvc: p.DeploymentSvc,
		webhookSvc:    p.WebhookSvc,
		auditSvc:      p.AuditSvc,
		registrySvc:   p.RegistrySvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Projects --------
	v1.POST("/projects", s.CreateProject)
	v1.GET("/projects", s.ListProjects)
	v1.GET("/projects/:id", s.GetProject)
	v1.POST("/projects/:id/transitions", s.RequestTransition)
	v1.GET("/projects/:id/deployments", s.ListProjectDeployments)

	// -------- Webhooks --------
	v1.POST("/webhooks/:source", s.IngestWebhook)

	// -------- Audit --------
	v1.GET("/audit-events", s.ListAuditEvents)
	v1.GET("/audit-events/:entity_type/:entity_id", s.GetAuditHistory)

	// -------- Company registry --------
	v1.GET("/registry/:id", s.LookupRegistry)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
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

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)
