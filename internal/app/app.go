package app

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"entitled/internal/config"
	"entitled/internal/infrastructure"
	"entitled/internal/license"
	customMiddleware "entitled/internal/middleware"
	"entitled/internal/services"
	handlers "entitled/internal/transport/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

const (
	VERSION = config.AppVersion
	AppName = config.AppName
)

var (
	// BuildTime is set at compile time
	BuildTime = time.Now().Format(time.RFC3339)
	// BuildID is a unique identifier for this build
	BuildID = generateBuildID()
)

func generateBuildID() string {
	h := sha256.New()
	h.Write([]byte(VERSION))
	h.Write([]byte(time.Now().Format("2006-01-02")))
	return fmt.Sprintf("%x", h.Sum(nil))[:12]
}

// Application represents the main application container
type Application struct {
	Config         *config.Config
	Router         *chi.Mux
	Server         *http.Server
	Store          *license.Store
	Ledger         *license.Ledger
	Registry       *license.Registry
	ScoreCache     *license.ScoreCache
	Limiter        *license.AttemptLimiter
	LicenseService services.LicenseService
	HealthService  *services.HealthService
	Logger         *slog.Logger
	OTelProviders  *infrastructure.OTelProviders

	otelMiddleware   *customMiddleware.OTelMiddleware
	metricsCollector *infrastructure.SystemMetricsCollector
	snapshotDone     chan struct{}
}

// NewApplication creates a new application instance with dependency injection
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", VERSION),
		slog.String("build_id", BuildID))

	otelProviders, err := infrastructure.InitializeOTel(infrastructure.DefaultOTelConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	app := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		snapshotDone:  make(chan struct{}),
	}

	if err := app.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.setupRouter()
	app.createServer()

	return app, nil
}

// initializeServices wires the license engine components in dependency order.
func (a *Application) initializeServices() error {
	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return fmt.Errorf("failed to create OpenTelemetry middleware: %w", err)
	}
	a.otelMiddleware = otelMiddleware
	metrics := otelMiddleware.BusinessMetrics()

	store, err := license.NewStore(a.Config.Store.SnapshotPath, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize license store: %w", err)
	}
	a.Store = store

	codec := license.NewKeyCodec()
	matcher := license.NewBindingMatcher()

	a.Ledger = license.NewLedger(store, matcher, license.LedgerOptions{
		LockTimeout: a.Config.Ledger.LockTimeout,
		BusyRetries: a.Config.Ledger.BusyRetries,
		RetryDelay:  a.Config.Ledger.RetryDelay,
	}, a.Logger, metrics)

	a.Registry = license.NewRegistry(store, codec, a.Ledger,
		a.Config.Keygen.MaxCollisionRetries, a.Logger, metrics)

	scorer := license.NewScorer(a.Config.Trust)
	a.ScoreCache = license.NewScoreCache(a.Config.Trust.ScoreCacheTTL, a.Config.Trust.ScoreCacheSize)

	a.Limiter = license.NewAttemptLimiter(
		a.Config.Security.Attempts.MaxFailures,
		a.Config.Security.Attempts.BlockFor,
		a.Config.Security.Attempts.Window,
	)

	a.LicenseService = services.NewLicenseService(services.LicenseServiceDeps{
		Registry: a.Registry,
		Ledger:   a.Ledger,
		Store:    store,
		Codec:    codec,
		Matcher:  matcher,
		Scorer:   scorer,
		Cache:    a.ScoreCache,
		Limiter:  a.Limiter,
		Logger:   a.Logger,
		Metrics:  metrics,
	})

	a.HealthService = services.NewHealthService(
		VERSION, BuildTime, BuildID,
		store, a.ScoreCache, a.Limiter, a.Logger,
	)

	collector, err := infrastructure.NewSystemMetricsCollector(a.OTelProviders.Meter, 30*time.Second)
	if err != nil {
		a.Logger.Warn("System metrics collector unavailable", slog.String("error", err.Error()))
	} else {
		a.metricsCollector = collector
	}

	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// Middleware ordering: RequestID → RealIP → OTel → Logger → Recoverer,
	// then security and traffic policy.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)
	r.Use(a.otelMiddleware.Handler)
	r.Use(customMiddleware.BusinessMetricsMiddleware(a.otelMiddleware.BusinessMetrics()))
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(customMiddleware.Recoverer(a.Logger))

	secureHeaders := customMiddleware.DefaultSecureHeaders()
	secureHeaders.DevMode = a.Config.Logging.Development
	r.Use(secureHeaders.Handler)

	if a.Config.Security.EnableCORS {
		r.Use(customMiddleware.CORS(a.getCORSConfig()))
	}

	if a.Config.Security.RateLimit.Enabled {
		r.Use(customMiddleware.NewRateLimiter(
			a.Config.Security.RateLimit.RPS,
			a.Config.Security.RateLimit.Burst,
			a.Logger,
		).Handler)
	}

	a.setupAPIRoutes(r)

	// Prometheus scrape endpoint stays outside the API group
	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.Timeout(a.Config.Server.RequestTimeout, a.Logger))

		healthHandler := handlers.NewHealthHandler(a.HealthService, a.Logger)
		r.Mount("/health", healthHandler.Routes())
		r.Get("/version", healthHandler.Version)

		licenseHandler := handlers.NewLicenseHandler(a.LicenseService, a.Logger)
		r.Mount("/licenses", licenseHandler.Routes(a.adminMiddleware()...))
	})
}

// adminMiddleware returns the middleware chain guarding issuance and
// administration endpoints. Without configured API keys the chain is
// audit logging only.
func (a *Application) adminMiddleware() []func(http.Handler) http.Handler {
	chain := []func(http.Handler) http.Handler{
		customMiddleware.AuditLog(a.Logger),
	}
	if len(a.Config.Security.AdminAPIKeys) > 0 {
		chain = append([]func(http.Handler) http.Handler{
			customMiddleware.APIKeyAuth(a.Logger, a.Config.Security.AdminAPIKeys),
		}, chain...)
	} else {
		a.Logger.Warn("No admin API keys configured, administration endpoints are unauthenticated")
	}
	return chain
}

// getCORSConfig returns CORS configuration based on environment
func (a *Application) getCORSConfig() customMiddleware.CORSConfig {
	cfg := customMiddleware.CORSConfig{
		AllowedOrigins: a.Config.Security.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-API-Key",
			"X-Request-ID",
			"X-Requested-With",
		},
		ExposedHeaders: []string{
			"X-Request-ID",
			"Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           300,
		Logger:           a.Logger,
	}

	if a.Config.Logging.Development {
		cfg.AllowedOrigins = append(cfg.AllowedOrigins,
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		)
	}

	return cfg
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start starts the HTTP server and background loops.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.String("version", VERSION),
		slog.Int("port", a.Config.Server.Port),
		slog.String("snapshot_path", a.Config.Store.SnapshotPath),
		slog.String("level", a.Config.Logging.Level))

	if a.metricsCollector != nil {
		a.metricsCollector.Start(ctx)
	}

	go a.snapshotLoop(ctx)

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	a.Logger.InfoContext(ctx, "Application started",
		slog.String("address", fmt.Sprintf("http://localhost:%d", a.Config.Server.Port)))

	return nil
}

// snapshotLoop persists the license store on a fixed interval. A final
// snapshot on shutdown is taken by Stop.
func (a *Application) snapshotLoop(ctx context.Context) {
	defer close(a.snapshotDone)

	interval := a.Config.Store.SnapshotInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Store.Save(); err != nil {
				a.Logger.ErrorContext(ctx, "Store snapshot failed",
					slog.String("error", err.Error()),
					slog.String("path", a.Config.Store.SnapshotPath))
			}
		}
	}
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	// Final snapshot so no issuance or activation is lost across restarts
	if err := a.Store.Save(); err != nil {
		a.Logger.ErrorContext(ctx, "Final store snapshot failed", slog.String("error", err.Error()))
	}

	a.ScoreCache.Stop()
	a.Limiter.Stop()

	if a.metricsCollector != nil {
		a.metricsCollector.Stop()
	}

	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(shutdownCtx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return nil
}

// Run runs the application until interrupted
func (a *Application) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	select {
	case <-sigChan:
		a.Logger.InfoContext(ctx, "Received interrupt signal")
	case <-ctx.Done():
	}

	// Unblock the snapshot loop before graceful shutdown
	cancel()
	<-a.snapshotDone

	return a.Stop(context.Background())
}
