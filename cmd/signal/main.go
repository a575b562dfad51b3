package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	httphandlers "fivecall/internal/handlers/http"
	"fivecall/internal/infrastructure/middleware"
	"fivecall/internal/infrastructure/monitoring"
	"fivecall/internal/infrastructure/repositories"
	relay "fivecall/internal/infrastructure/signal"
	"fivecall/pkg/config"
	apperrors "fivecall/pkg/errors"
	"fivecall/pkg/logger"
	"fivecall/pkg/tracing"
	"fivecall/pkg/validation"
)

func main() {
	configPaths := []string{
		os.Getenv("FIVECALL_CONFIG"),
		"configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if cfg == nil || err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("Could not load config, using defaults", "error", err)
	}

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.Tracing.Enabled
	tracingCfg.JaegerURL = cfg.Tracing.JaegerURL
	tracingCfg.Environment = cfg.Tracing.Environment
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(tracingCfg)
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	store := repoFactory.CreateReplayStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewPrometheusCollector(registry)

	health := monitoring.NewHealthChecker()
	health.AddReplayStoreCheck(store, 2*time.Second)

	hub := relay.NewHub(store, metrics, relay.HubConfig{JanitorInterval: cfg.Rooms.JanitorInterval}, log.Named("hub"))
	validator := validation.NewPasscodeValidator(cfg.Rooms.PasscodeDigits)
	wsServer := relay.NewWebSocketServer(hub, validator, relay.ServerConfigFrom(cfg), metrics, log.Named("ws"))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
	)
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	var gatherer prometheus.Gatherer
	if cfg.Monitoring.PrometheusEnabled {
		gatherer = registry
		log.Info("Prometheus metrics enabled")
	}
	httphandlers.NewSystemHandler(hub, health, gatherer).SetupRoutes(router)
	wsServer.RegisterRoutes(router)
	router.NoRoute(func(c *gin.Context) {
		_ = c.Error(apperrors.NewNotFoundError("route"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// no WriteTimeout: room connections outlive any per-request deadline
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting fivecall signaling server",
			"address", cfg.Server.Address,
			"redis", repoFactory.UsingRedis(),
			"passcode_digits", cfg.Rooms.PasscodeDigits,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	cancel()
	hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	} else {
		log.Info("Server shutdown gracefully")
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	log.Info("fivecall signaling server stopped")
}
