package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	_ "github.com/noah-isme/csta-portal-api/api/swagger"
	"github.com/noah-isme/csta-portal-api/internal/handler"
	"github.com/noah-isme/csta-portal-api/internal/repository"
	"github.com/noah-isme/csta-portal-api/internal/service"
	"github.com/noah-isme/csta-portal-api/pkg/cache"
	"github.com/noah-isme/csta-portal-api/pkg/config"
	"github.com/noah-isme/csta-portal-api/pkg/database"
	"github.com/noah-isme/csta-portal-api/pkg/logger"
)

// @title CSTA Portal API
// @version 1.0.0
// @description Student portal: sessions, enrollment review and account provisioning
// @BasePath /api
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.RunMigrations {
		if err := database.MigrateUp(cfg.Database.URL()); err != nil {
			return err
		}
		logr.Info("schema migrations applied")
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	metrics := service.NewMetricsService()
	if !cfg.Metrics.Enabled {
		metrics = nil
	}

	checks := map[string]handler.Pinger{"postgres": db}

	var cacheRepo service.CacheRepository
	if cfg.Redis.Enabled && cfg.Enrollment.PendingCacheEnabled {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, pending-list cache disabled", zap.Error(err))
		} else {
			repo := repository.NewCacheRepository(client, logr)
			defer repo.Close() //nolint:errcheck
			cacheRepo = repo
			checks["redis"] = handler.PingFunc(repo.Ping)
		}
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Enrollment.PendingCacheTTL, logr, cacheRepo != nil)

	users := repository.NewUserRepository(db)
	sessions := repository.NewSessionRepository(db)
	requests := repository.NewEnrollmentRepository(db)
	validate := validator.New()

	notifications := service.NewNotificationService(service.NewLogSender(logr), service.NotificationConfig{
		Enabled:    cfg.Notifications.Enabled,
		Workers:    cfg.Notifications.Workers,
		MaxRetries: cfg.Notifications.MaxRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
	}, logr)
	notifications.Start(ctx)
	defer notifications.Stop()
	metrics.RegisterQueue(notifications.Queue())

	authSvc := service.NewAuthService(users, sessions, validate, logr, metrics, service.AuthConfig{
		Secret:        cfg.JWT.Secret,
		TokenTTL:      cfg.JWT.Expiration,
		Issuer:        cfg.JWT.Issuer,
		BcryptCost:    cfg.Auth.BcryptCost,
		TouchInterval: cfg.Auth.SessionTouch,
	})
	passwordSvc := service.NewPasswordService(users, logr, metrics, service.PasswordConfig{
		MinLength:          cfg.Auth.PasswordMinLength,
		TempPasswordLength: cfg.Auth.TempPasswordLength,
		BcryptCost:         cfg.Auth.BcryptCost,
	})
	provisioner := service.NewProvisioningService(service.ProvisioningConfig{
		TempPasswordLength: cfg.Auth.TempPasswordLength,
		MaxAttempts:        cfg.Enrollment.UsernameMaxAttempts,
		BcryptCost:         cfg.Auth.BcryptCost,
	}, logr)
	enrollmentSvc := service.NewEnrollmentService(requests, provisioner, validate, logr, service.EnrollmentServiceDeps{
		Cache:    cacheSvc,
		Notices:  notifications,
		Metrics:  metrics,
		CacheTTL: cfg.Enrollment.PendingCacheTTL,
	})
	exportSvc := service.NewExportService(enrollmentSvc, logr)

	go service.NewSessionPruner(sessions, logr).Run(ctx, cfg.Auth.SessionPrune)

	router := handler.NewRouter(handler.RouterConfig{
		APIPrefix:      cfg.APIPrefix,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		LoginRateLimit: cfg.Auth.LoginRateLimit,
		LoginRateBurst: cfg.Auth.LoginRateBurst,
		EnableDocs:     cfg.Env != config.EnvProduction,
	}, logr, handler.RouterDeps{
		Sessions:    authSvc,
		Audit:       users,
		Metrics:     metrics,
		Auth:        handler.NewAuthHandler(authSvc, passwordSvc),
		Enrollments: handler.NewEnrollmentHandler(enrollmentSvc, exportSvc),
		Users:       handler.NewUserHandler(passwordSvc),
		Ops:         handler.NewMetricsHandler(metrics, checks),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
