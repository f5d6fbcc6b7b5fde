package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taskwise/coworker/internal/circuitbreaker"
	"github.com/taskwise/coworker/internal/config"
	"github.com/taskwise/coworker/internal/findings"
	"github.com/taskwise/coworker/internal/health"
	"github.com/taskwise/coworker/internal/history"
	"github.com/taskwise/coworker/internal/httpapi"
	"github.com/taskwise/coworker/internal/intent"
	_ "github.com/taskwise/coworker/internal/metrics" // Import for side effects
	"github.com/taskwise/coworker/internal/orchestrator"
	"github.com/taskwise/coworker/internal/provider"
	"github.com/taskwise/coworker/internal/ratecontrol"
	"github.com/taskwise/coworker/internal/research"
	"github.com/taskwise/coworker/internal/streaming"
	"github.com/taskwise/coworker/internal/tracing"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Start circuit breaker metrics collection
	circuitbreaker.StartMetricsCollection()

	streaming.Configure(cfg.Streaming.RingCapacity)

	// ------------------------------------------------------------------
	// Bring up the health manager early so probes respond while the
	// storage backends are still connecting.
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	if err := hm.Start(ctx); err != nil {
		logger.Warn("Health manager start failed", zap.Error(err))
	}

	// History store (Redis)
	store, err := history.NewStore(cfg.Redis.Addr, history.Options{
		TTL:      cfg.Session.TTL,
		MaxTurns: cfg.Session.MaxHistory,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize history store", zap.Error(err))
	}
	defer store.Close()

	rw := store.RedisWrapper()
	_ = hm.RegisterChecker(health.NewRedisHealthChecker(rw.GetClient(), rw, logger))

	// Findings archive (Postgres)
	archive, err := findings.NewArchive(findings.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize findings archive", zap.Error(err))
	}
	defer archive.Close()

	_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(archive.DB(), archive.Wrapper(), logger))

	// Completion service adapter
	client := provider.NewHTTPClient(provider.HTTPConfig{
		BaseURL: cfg.Provider.BaseURL,
		Timeout: cfg.Provider.Timeout,
	}, logger)
	_ = hm.RegisterChecker(health.NewCompletionServiceHealthChecker(cfg.Provider.BaseURL, logger))

	// Hot-reload for the rate limit config
	startConfigWatcher(ctx, logger)

	orch := orchestrator.New(
		orchestrator.Config{
			BusyPolicy:     orchestrator.BusyPolicy(cfg.Session.BusyPolicy),
			MaxRecentTurns: cfg.Session.MaxRecentTurns,
		},
		intent.NewClassifier(client, logger),
		research.NewSynthesizer(client, logger),
		store,
		archive,
		streaming.Get(),
		logger,
	)

	// API mux: conversation endpoints plus health probes
	mux := http.NewServeMux()
	httpapi.NewHandler(orch, streaming.Get(), logger).RegisterRoutes(mux)
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)

	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Service.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.String("address", apiServer.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Prometheus metrics on its own port
	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Service.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("address", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = hm.Stop()
}

// startConfigWatcher watches the config directory so limits.yaml edits take
// effect without a restart.
func startConfigWatcher(ctx context.Context, logger *zap.Logger) {
	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "config"
	}

	cm, err := config.NewConfigManager(configDir, logger)
	if err != nil {
		logger.Warn("Config watcher init failed", zap.Error(err))
		return
	}
	if err := cm.Start(ctx); err != nil {
		logger.Warn("Config watcher start failed", zap.Error(err))
		return
	}

	cm.RegisterHandler("limits.yaml", func(ev config.ChangeEvent) error {
		ratecontrol.Reload()
		logger.Info("Rate limits reloaded", zap.String("action", ev.Action))
		return nil
	})
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
