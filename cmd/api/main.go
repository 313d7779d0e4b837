package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BradenHooton/totpguard/internal/auth"
	"github.com/BradenHooton/totpguard/internal/background"
	"github.com/BradenHooton/totpguard/internal/config"
	"github.com/BradenHooton/totpguard/internal/database"
	"github.com/BradenHooton/totpguard/internal/handlers"
	middlewareCustom "github.com/BradenHooton/totpguard/internal/middleware"
	"github.com/BradenHooton/totpguard/internal/otp"
	"github.com/BradenHooton/totpguard/internal/replay"
	"github.com/BradenHooton/totpguard/internal/repositories"
	"github.com/BradenHooton/totpguard/internal/routes"
	"github.com/BradenHooton/totpguard/internal/services"
	pkghttp "github.com/BradenHooton/totpguard/pkg/http"
	pkglogger "github.com/BradenHooton/totpguard/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

// storage bundles the secret store, replay guard and their health probes
type storage struct {
	store  repositories.SecretStore
	guard  replay.Guard
	checks map[string]handlers.HealthCheckFunc
	close  []func()
}

func (s *storage) Close() {
	for i := len(s.close) - 1; i >= 0; i-- {
		s.close[i]()
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Server.LogLevel)); err == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	}

	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("store_driver", cfg.Database.Driver),
		slog.String("replay_backend", cfg.Replay.Backend))

	ipConfig, err := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Error("invalid trusted proxy configuration", slog.Any("error", err))
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := openStorage(startupCtx, cfg, logger)
	startupCancel()
	if err != nil {
		logger.Error("failed to initialize storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize notifier", slog.Any("error", err))
		os.Exit(1)
	}

	auditLogger := pkglogger.NewAuditLogger(logger)

	twoFactorService := services.NewTwoFactorService(
		store.store,
		store.guard,
		otp.SystemClock{},
		notifier,
		auditLogger,
		logger,
		services.TwoFactorConfig{
			Issuer:            cfg.TwoFactor.Issuer,
			Params:            cfg.TwoFactor.Params,
			WindowSteps:       cfg.TwoFactor.WindowSteps,
			SecretSize:        cfg.TwoFactor.SecretSize,
			RecoveryCodeCount: cfg.TwoFactor.RecoveryCodeCount,
			RecoveryHashCost:  cfg.TwoFactor.RecoveryHashCost,
			StoreTimeout:      cfg.TwoFactor.StoreTimeout,
		},
	)

	// Initialize token manager
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)

	// Timing delay for verification responses
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   cfg.TwoFactor.TimingBaseDelayMs,
		RandomDelayMs: cfg.TwoFactor.TimingJitterMs,
	})

	// Initialize handlers
	twoFactorHandler := handlers.NewTwoFactorHandler(
		twoFactorService,
		func(principalID string) interface{} { return twoFactorService.Principal(principalID) },
		timingDelay,
		ipConfig,
		logger,
	)
	healthHandler := handlers.NewHealthHandler(store.checks)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.CORSConfig{AllowedOrigins: cfg.Server.AllowedOrigins}))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, twoFactorHandler, healthHandler, tokenManager, routes.RateLimits{
		PerIP:        middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.RateLimit.PerIPPerMinute},
		PerPrincipal: middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.RateLimit.PerPrincipalPerMinute},
	}, ipConfig)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupManager := background.NewCleanupManager(
		twoFactorService,
		logger,
		cfg.TwoFactor.CleanupInterval,
		cfg.TwoFactor.PendingTTL,
	)
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// openStorage builds the configured secret store and replay guard
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage, error) {
	s := &storage{checks: make(map[string]handlers.HealthCheckFunc)}

	switch cfg.Database.Driver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory secret store; enrollments are lost on restart")
		s.store = repositories.NewMemorySecretStore()
	default:
		db, err := database.NewConnection(ctx, &cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.close = append(s.close, db.Close)
		s.checks["database"] = db.HealthCheck

		if err := db.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}

		cipher, err := auth.NewSecretCipher(cfg.TwoFactor.EncryptionKey)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("create secret cipher: %w", err)
		}
		s.store = repositories.NewPostgresSecretStore(db, cipher)
	}

	switch cfg.Replay.Backend {
	case config.ReplayBackendRedis:
		opts, err := redis.ParseURL(cfg.Replay.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			s.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		s.close = append(s.close, func() { _ = client.Close() })
		s.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		s.guard = replay.NewRedisGuard(client, cfg.Replay.RedisTTL)
	case config.ReplayBackendMemory:
		s.guard = replay.NewMemoryGuard()
	default:
		s.guard = replay.NewStoreGuard(s.store)
	}

	return s, nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (services.Notifier, error) {
	if !cfg.Notify.Enabled {
		return services.NoopNotifier{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return services.NewSESNotifier(ctx, cfg.Notify.AWSRegion, cfg.Notify.FromAddress, cfg.TwoFactor.Issuer, logger)
}
