package handler

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/csta-portal-api/internal/middleware"
	"github.com/noah-isme/csta-portal-api/internal/models"
	"github.com/noah-isme/csta-portal-api/internal/service"
	"github.com/noah-isme/csta-portal-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/csta-portal-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/csta-portal-api/pkg/middleware/requestid"
)

// RouterConfig holds the HTTP-level settings.
type RouterConfig struct {
	APIPrefix      string
	AllowedOrigins []string
	LoginRateLimit int
	LoginRateBurst int
	EnableDocs     bool
}

// RouterDeps bundles the handlers and collaborators the router mounts.
type RouterDeps struct {
	Sessions    middleware.SessionAuthenticator
	Audit       middleware.AuditWriter
	Metrics     *service.MetricsService
	Auth        *AuthHandler
	Enrollments *EnrollmentHandler
	Users       *UserHandler
	Ops         *MetricsHandler
}

// NewRouter assembles the gin engine with the portal's routes.
func NewRouter(cfg RouterConfig, log *zap.Logger, deps RouterDeps) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(log, "/health", "/metrics"))
	r.Use(corsmiddleware.New(cfg.AllowedOrigins))
	r.Use(middleware.Metrics(deps.Metrics))

	r.GET("/health", deps.Ops.Health)
	r.GET("/ready", deps.Ops.Ready)
	r.GET("/metrics", deps.Ops.Prometheus)
	if cfg.EnableDocs {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authenticated := middleware.JWT(deps.Sessions)
	adminOnly := middleware.Guard(models.RoleAdmin, deps.Metrics)
	anyRole := middleware.Guard("", deps.Metrics)
	limiter := middleware.NewRateLimiter(cfg.LoginRateLimit, cfg.LoginRateBurst)

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", limiter.Middleware(), deps.Auth.Login)
	// Rotation itself and logout must stay reachable while a rotation is pending.
	auth.POST("/change_password", authenticated, deps.Auth.ChangePassword)
	auth.POST("/logout", authenticated, deps.Auth.Logout)

	api.GET("/me", authenticated, anyRole, deps.Auth.Me)
	api.POST("/enroll", deps.Enrollments.Submit)

	admin := api.Group("/admin", authenticated, adminOnly)
	requests := admin.Group("/enroll_requests")
	requests.GET("", deps.Enrollments.List)
	requests.GET("/export",
		middleware.Audit(deps.Audit, log, models.AuditActionEnrollExport, models.AuditResourceEnrollRequest),
		deps.Enrollments.Export)
	requests.GET("/:id", deps.Enrollments.Get)
	requests.POST("/:id/accept", deps.Enrollments.Accept)
	requests.POST("/:id/reject", deps.Enrollments.Reject)

	admin.POST("/users/:id/reset_password", deps.Users.ResetPassword)

	return r
}
