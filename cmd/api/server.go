package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/auth"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/clock"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/config"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/gateway"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/lifecycle"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/logging"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/metrics"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/persistence"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/queries"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/subscription"
)

func serve(ctx context.Context, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, logCloser := logging.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	if cfg.Tracing.Enabled {
		tp, err := initTracer()
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	telemetryMetrics, err := metrics.NewTelemetryMetrics()
	if err != nil {
		return fmt.Errorf("failed to create telemetry metrics: %w", err)
	}
	subscriptionMetrics, err := metrics.NewSubscriptionMetrics()
	if err != nil {
		return fmt.Errorf("failed to create subscription metrics: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Storage
	logger.Info("opening storage", "driver", cfg.Storage.Driver)
	persister, err := persistence.Open(ctx, persistence.Options{
		Driver:          cfg.Storage.Driver,
		DatabaseURL:     cfg.Storage.DatabaseURL,
		SQLitePath:      cfg.Storage.SQLitePath,
		ConnectAttempts: cfg.Storage.ConnectAttempts,
		ConnectWait:     cfg.Storage.ConnectWait,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	clk := clock.Real()
	st, err := store.Open(ctx, store.Options{Clock: clk, Persister: persister, Logger: logger})
	if err != nil {
		if persister != nil {
			persister.Close()
		}
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	// Core
	engine := subscription.NewEngine(st, subscription.Options{
		Clock:           clk,
		Logger:          logger,
		Recorder:        subscriptionMetrics,
		RetryBackoff:    cfg.Subscriptions.RetryBackoff,
		MaxRetryBackoff: cfg.Subscriptions.MaxRetryBackoff,
	})
	machine := lifecycle.NewMachine(st, telemetryMetrics, logger)
	catalog := &queries.Catalog{Clock: clk, Location: loc, Window: cfg.Stats.Window}

	if cfg.Liveness.OfflineAfter > 0 {
		sweeper := lifecycle.NewSweeper(machine, clk, cfg.Liveness.SweepInterval, cfg.Liveness.OfflineAfter)
		sweeper.Start()
		defer sweeper.Stop()
		logger.Info("liveness sweeper started", "offline_after", cfg.Liveness.OfflineAfter.String())
	}

	// Auth
	verifier := auth.NewAPIKeyVerifier(cfg.Auth.AgentAPIKey, cfg.Auth.AgentAPIKeyHash)
	jwtManager, err := auth.NewJWTManager(cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	// Gateway
	handler := gateway.NewHandler(machine, st, catalog, logger)
	live := gateway.NewLiveHandler(engine, catalog, gateway.LiveOptions{
		SendBuffer:     cfg.Subscriptions.SendBuffer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Recorder:       subscriptionMetrics,
		Logger:         logger,
	})

	router := newRouter(st, handler, live, verifier, jwtManager, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Credentials rotate without a restart
	if _, err := os.Stat(path); err == nil {
		watcher, err := config.NewWatcher(path, 500*time.Millisecond, logger)
		if err != nil {
			logger.Warn("config watcher disabled", "error", err)
		} else {
			go watcher.Run(ctx, func(next *config.Config) {
				verifier.Rotate(next.Auth.AgentAPIKey, next.Auth.AgentAPIKeyHash)
				if err := jwtManager.RotateSigningKey(ctx, next.Auth.JWTSecret); err != nil {
					logger.Error("failed to rotate signing key", "error", err)
					return
				}
				logger.Info("credentials rotated")
			})
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting fleet telemetry API server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited")
	return nil
}

func newRouter(st *store.Store, handler *gateway.Handler, live *gateway.LiveHandler, verifier *auth.APIKeyVerifier, jwtManager *auth.JWTManager, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logging.RequestLogger(logger))

	// Health checks MUST be at the root for the WebService standard
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/ready", func(c *gin.Context) {
		breaker := persistence.BreakerState(st.Persister())
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not ready",
				"error":   "storage unavailable",
				"breaker": breaker,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "breaker": breaker})
	})

	// Swagger documentation (public)
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("/api")

	// Agent ingestion (shared API key)
	ingest := api.Group("/agent")
	ingest.Use(auth.RequireAPIKey(verifier, logger))
	handler.RegisterIngestion(ingest)

	// Dashboard reads and live queries (JWT)
	dashboard := api.Group("")
	dashboard.Use(auth.RequireAuth(jwtManager, logger), auth.RequireRole(auth.RoleViewer))
	handler.RegisterDashboard(dashboard)
	dashboard.GET("/ws", live.Serve)

	return router
}

// initTracer initializes OpenTelemetry tracing
func initTracer() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)

	return tp, nil
}
