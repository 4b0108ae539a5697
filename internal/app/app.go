package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"controlhub/internal/config"
	"controlhub/internal/handlers"
	"controlhub/internal/middleware"
	"controlhub/internal/models"
	"controlhub/internal/observability"
	"controlhub/internal/services"
	"controlhub/pkg/n8n"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// Version is reported by /health and the version command.
var Version = "dev"

// App holds the wired HTTP server and everything that needs closing on exit.
type App struct {
	Config   *config.Config
	Logger   *logrus.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Bulk     *services.BulkActionService
	Webhooks *services.WebhookService

	audit    *services.GormAuditSink
	redis    redis.UniversalClient
	shutdown []func(context.Context) error

	// runs is cancelled when shutdown starts; in-flight bulk actions derive from it
	runs     context.Context
	stopRuns context.CancelFunc
}

// OpenDatabase connects to Postgres with the configured pool and optional tracing.
func OpenDatabase(cfg *config.Config, log *logrus.Logger) (*gorm.DB, error) {
	level := logger.Warn
	if cfg.Log.Level == "debug" {
		level = logger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.PostgresDSN()), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}
	if cfg.Monitoring.Tracing.Enabled {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			log.Warnf("gorm tracing plugin: %v", err)
		}
	}
	return db, nil
}

// Migrate creates or updates the tables this service owns.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Automation{}, &models.AuditLog{})
}

// New wires services and routes on top of an open database.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger, db *gorm.DB) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Config: cfg, Logger: log, DB: db}
	a.runs, a.stopRuns = context.WithCancel(context.Background())

	if cfg.Database.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	store := services.NewGormAutomationStore(db)
	var audit services.AuditSink = services.NopAuditSink{}
	a.audit = services.NewGormAuditSink(db, log, cfg.Audit.WriteTimeout)
	if cfg.Audit.Enabled {
		audit = a.audit
	}

	client := n8n.NewClient(&n8n.Config{Timeout: cfg.Webhook.Timeout, UserAgent: cfg.Webhook.UserAgent}, log)
	a.Webhooks = services.NewWebhookService(client, cfg.Webhook, log)
	a.Bulk = services.NewBulkActionService(store, a.Webhooks, audit, log, services.BulkActionOptions{
		BatchSize:      cfg.BulkAction.BatchSize,
		BatchDelay:     cfg.BulkAction.BatchDelay,
		PerItemTimeout: cfg.BulkAction.PerItemTimeout,
		LockTTL:        cfg.BulkAction.LockTTL,
	})
	if lock := a.bulkLock(ctx); lock != nil {
		a.Bulk.SetLock(lock)
	}
	automations := services.NewAutomationService(store, a.Bulk, audit, log)

	r, err := a.router(automations)
	if err != nil {
		return nil, err
	}
	a.Router = r
	return a, nil
}

// bulkLock returns a redis lock when configured and reachable, nil for the in-process default.
func (a *App) bulkLock(ctx context.Context) services.BulkLock {
	rc := a.Config.Redis
	if !rc.Enabled {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
		PoolSize: rc.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.Logger.Warnf("redis unavailable, bulk lock is per-process: %v", err)
		_ = client.Close()
		return nil
	}
	a.redis = client
	return services.NewRedisBulkLock(client, a.Logger)
}

func (a *App) router(automations *services.AutomationService) (*gin.Engine, error) {
	cfg := a.Config
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(cfg))
	if cfg.Monitoring.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}

	health := handlers.NewHealthHandler(a.DB, a.Webhooks.BreakerStates, Version)
	r.GET("/health", health.Health)
	r.GET("/ready", health.Ready)

	if cfg.Monitoring.Enabled {
		metricsHandler, shutdown, err := observability.InitMetrics()
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		a.shutdown = append(a.shutdown, shutdown)
		r.GET(cfg.Monitoring.MetricsPath, gin.WrapH(metricsHandler))
	}

	// auth first so the limiter can key by caller
	api := r.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	api.Use(middleware.RateLimitMiddleware(cfg))
	automationHandler := handlers.NewAutomationHandler(automations, a.Bulk, a.Logger)
	automationHandler.SetBaseContext(a.runs)
	handlers.RegisterAutomationRoutes(api, automationHandler)
	handlers.RegisterAuditRoutes(api, handlers.NewAuditHandler(a.audit, a.Logger))
	return r, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: a.Router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Infof("Starting server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.Logger.Info("Shutting down server...")
	// interrupt bulk actions first so their handlers answer and audit before the deadline
	a.stopRuns()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close drains pending audit writes and releases clients.
func (a *App) Close(ctx context.Context) error {
	if a.stopRuns != nil {
		a.stopRuns()
	}
	var errs []error
	if a.audit != nil {
		if err := a.audit.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit drain: %w", err))
		}
	}
	for _, fn := range a.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.Logger.Info("Server exited")
	return errors.Join(errs...)
}
