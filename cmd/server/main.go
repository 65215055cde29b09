// Package main is the entry point for the authentication gateway binary.
// It dispatches three subcommands — serve, migrate, and version — via a
// simple switch on os.Args so the binary's full CLI surface is readable in
// one place without requiring a cobra dependency. The serve command runs
// auto-migration on startup so freshly deployed containers never need a
// separate migration step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // registered on DefaultServeMux; served only on the internal profiling port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auth-gateway/auth-gateway/internal/api"
	_ "github.com/auth-gateway/auth-gateway/internal/archive/azure"
	_ "github.com/auth-gateway/auth-gateway/internal/archive/gcs"
	_ "github.com/auth-gateway/auth-gateway/internal/archive/local"
	_ "github.com/auth-gateway/auth-gateway/internal/archive/s3"
	"github.com/auth-gateway/auth-gateway/internal/audit"
	"github.com/auth-gateway/auth-gateway/internal/auth"
	"github.com/auth-gateway/auth-gateway/internal/auth/assertion"
	"github.com/auth-gateway/auth-gateway/internal/config"
	"github.com/auth-gateway/auth-gateway/internal/db"
	"github.com/auth-gateway/auth-gateway/internal/db/repositories"
	"github.com/auth-gateway/auth-gateway/internal/jobs"
	"github.com/auth-gateway/auth-gateway/internal/middleware"
	"github.com/auth-gateway/auth-gateway/internal/notify"
	"github.com/auth-gateway/auth-gateway/internal/safego"
	"github.com/auth-gateway/auth-gateway/internal/telemetry"
	"github.com/auth-gateway/auth-gateway/internal/tokens"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("auth-gateway v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Structured logger first so everything below logs in the configured
	// format and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("database config",
		"host", cfg.Database.Host, "port", cfg.Database.Port,
		"name", cfg.Database.Name, "user", cfg.Database.User,
		"ssl_mode", cfg.Database.SSLMode)

	// Two pools from the same DSN: the hot pool serves request-path
	// validation, the background pool serves the rotation scheduler, the
	// expiration monitor, and the audit/usage writers. A slow maintenance
	// scan can never starve validation of connections.
	hotDB, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer hotDB.Close()

	bgMax := cfg.Database.BackgroundMaxConnections
	if bgMax <= 0 {
		bgMax = 4
	}
	bgDB, err := db.Connect(cfg.Database.GetDSN(), bgMax, 1)
	if err != nil {
		return fmt.Errorf("failed to connect background pool: %w", err)
	}
	defer bgDB.Close()

	slog.Info("connected to database", "hot_pool", cfg.Database.MaxConnections, "background_pool", bgMax)

	telemetry.StartDBStatsCollector("hot", hotDB.DB)
	telemetry.StartDBStatsCollector("background", bgDB.DB)

	slog.Info("running database migrations")
	if err := db.RunMigrations(hotDB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(hotDB); err != nil {
		slog.Warn("failed to read migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	startSidePorts(cfg)

	// Repositories. Request-path reads go through the hot pool; everything
	// written asynchronously goes through the background pool.
	tokenRepo := repositories.NewTokenRepository(hotDB)
	sessionRepo := repositories.NewSessionRepository(hotDB)
	eventRepo := repositories.NewEventRepository(bgDB)
	alertRepo := repositories.NewAlertRepository(bgDB)
	bgTokenRepo := repositories.NewTokenRepository(bgDB)

	// Audit pipeline.
	shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return fmt.Errorf("failed to build audit shippers: %w", err)
	}
	var auditShipper audit.Shipper
	if shipper != nil {
		auditShipper = shipper
	}
	auditLogger := audit.NewLogger(eventRepo, auditShipper, audit.Config{
		QueueSize:     cfg.Audit.QueueSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
	}, slog.Default())
	defer auditLogger.Close()

	// Token manager.
	hasher, err := auth.NewHasher(cfg.Auth.ServiceTokens.PepperPassphrase, cfg.Auth.ServiceTokens.PepperSalt)
	if err != nil {
		return fmt.Errorf("invalid pepper configuration: %w", err)
	}
	policy, err := tokens.NewRotationPolicy(cfg.Rotation)
	if err != nil {
		return fmt.Errorf("invalid rotation policy: %w", err)
	}
	usage := tokens.NewUsageRecorder(bgTokenRepo, 0, 0, 0, slog.Default())
	defer usage.Close()

	manager := tokens.NewManager(tokenRepo, hasher, policy, usage, tokens.Config{
		Prefix:       cfg.Auth.ServiceTokens.Prefix,
		GracePeriod:  cfg.Auth.ServiceTokens.GracePeriod,
		StoreTimeout: cfg.Auth.StoreTimeout,
	})

	// Assertion validator (optional).
	validator, closeResolver, err := buildValidator(cfg.Auth.Assertion)
	if err != nil {
		return fmt.Errorf("failed to configure assertion validation: %w", err)
	}
	if closeResolver != nil {
		defer closeResolver()
	}

	// Notifications.
	notifier, err := notify.NewFromConfig(cfg.Notifications, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to configure notifications: %w", err)
	}

	// Background jobs.
	scheduler := jobs.NewRotationScheduler(bgTokenRepo, manager, policy, auditLogger, notifier, cfg.Rotation, slog.Default())
	monitor := jobs.NewExpiryMonitor(bgTokenRepo, alertRepo, auditLogger, notifier, cfg.Expiry, slog.Default())

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	safego.Go(func() { scheduler.Start(jobCtx) })
	safego.Go(func() { monitor.Start(jobCtx) })

	// HTTP surface.
	authenticator := middleware.NewAuthenticator(cfg.Auth, manager, validator, sessionRepo, auditLogger, slog.Default())
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	defer limiter.Stop()
	failedAuth := middleware.NewFailedAuthLimiter(cfg.Security.RateLimiting, slog.Default())
	if failedAuth != nil {
		defer failedAuth.Close()
	}

	router := api.NewRouter(api.Deps{
		Authenticator: authenticator,
		FailedAuth:    failedAuth,
		Limiter:       limiter,
		Tokens:        manager,
		Events:        eventRepo,
		Audit:         auditLogger,
		DB:            hotDB,
		Logger:        slog.Default(),
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	safego.Go(func() {
		slog.Info("server starting", "addr", cfg.Server.GetAddress(),
			"service_tokens", cfg.Auth.ServiceTokens.Enabled,
			"assertions", cfg.Auth.Assertion.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	// Drain in dependency order: stop accepting requests, stop the jobs,
	// then flush the audit and usage pipelines (deferred Closes).
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	scheduler.Stop()
	monitor.Stop()
	cancelJobs()

	slog.Info("server stopped gracefully")
	return nil
}

// buildValidator assembles the assertion validator from config, choosing a
// JWKS or static-directory key source. Returns a nil validator when
// assertion authentication is disabled.
func buildValidator(cfg config.AssertionConfig) (*assertion.Validator, func() error, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	var (
		resolver assertion.KeyResolver
		closer   func() error
	)
	switch {
	case cfg.JWKSURL != "":
		r, err := assertion.NewJWKSResolver(context.Background(), cfg.JWKSURL, cfg.JWKSRefresh, slog.Default())
		if err != nil {
			return nil, nil, err
		}
		resolver, closer = r, r.Close
	case cfg.StaticKeyDir != "":
		r, err := assertion.NewStaticKeyResolver(cfg.StaticKeyDir, cfg.WatchStaticKeys, slog.Default())
		if err != nil {
			return nil, nil, err
		}
		resolver, closer = r, r.Close
	default:
		return nil, nil, fmt.Errorf("assertion auth enabled but neither jwks_url nor static_key_dir is set")
	}

	v, err := assertion.NewValidator(assertion.Config{
		Issuer:           cfg.Issuer,
		Audience:         cfg.Audience,
		AllowedAlgs:      cfg.AllowedAlgs,
		ClockSkew:        cfg.ClockSkew,
		PermissionsClaim: cfg.PermissionsClaim,
	}, resolver)
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, nil, err
	}
	return v, closer, nil
}

// startSidePorts serves Prometheus metrics and pprof on dedicated internal
// ports so neither is reachable through the public ingress path.
func startSidePorts(cfg *config.Config) {
	if cfg.Telemetry.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.PrometheusPort)
		safego.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
	}

	if cfg.Telemetry.Profiling {
		pprofAddr := fmt.Sprintf(":%d", cfg.Telemetry.ProfilingPort)
		safego.Go(func() {
			slog.Info("starting pprof server", "addr", pprofAddr)
			srv := &http.Server{
				Addr:         pprofAddr,
				Handler:      http.DefaultServeMux,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("pprof server error", "error", err)
			}
		})
	}
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}
