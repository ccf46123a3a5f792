// agentdeckd - gateway server for running hosted AI agents
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentdeck/internal/config"
	"github.com/ashureev/agentdeck/internal/executor"
	"github.com/ashureev/agentdeck/internal/gateway"
	"github.com/ashureev/agentdeck/internal/identity"
	"github.com/ashureev/agentdeck/internal/middleware"
	"github.com/ashureev/agentdeck/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	runner, err := executor.NewHTTPRunner(executor.HTTPRunnerConfig{
		BaseURL:        cfg.Engine.BaseURL,
		ConnectTimeout: cfg.Engine.ConnectTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize engine client", "error", err)
		os.Exit(1)
	}
	slog.Info("Engine client initialized", "base_url", cfg.Engine.BaseURL)

	manager := executor.NewManager(runner, executor.ControllerConfig{
		MaxRawBytes: cfg.Engine.MaxRawBytes,
		MaxSteps:    cfg.Engine.MaxSteps,
	}, logger)

	runHandler := gateway.NewHandler(manager, repo, cfg)
	defer runHandler.Close()
	manager.OnCreate(runHandler.Wire)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	corsOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		corsOrigins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(corsOrigins))
	r.Use(identity.Middleware(!cfg.IsDevelopment()))

	runHandler.RegisterRoutes(r)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	// Keepalive runs every 10s to maintain connection.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.StartSweeper(ctx, cfg.SessionTTL)
	startPurgeWorker(ctx, repo, cfg.RunRetention)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

const purgeInterval = time.Hour

// startPurgeWorker trims run history outside the retention window.
func startPurgeWorker(ctx context.Context, repo store.Repository, retention time.Duration) {
	ticker := time.NewTicker(purgeInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Run history purge worker started", "interval", purgeInterval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				deleted, err := repo.PurgeOlderThan(ctx, retention)
				if err != nil {
					slog.Error("Run history purge failed", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("Run history purged", "deleted", deleted)
				}
			case <-ctx.Done():
				slog.Info("Run history purge worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
