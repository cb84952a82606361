// Package main is the entrypoint for the bobsync API server.
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

	"github.com/talentops/bobsync/internal/api"
	"github.com/talentops/bobsync/internal/api/handler"
	mw "github.com/talentops/bobsync/internal/api/middleware"
	"github.com/talentops/bobsync/internal/api/response"
	"github.com/talentops/bobsync/internal/cache"
	"github.com/talentops/bobsync/internal/config"
	"github.com/talentops/bobsync/internal/engine"
	"github.com/talentops/bobsync/internal/hrapi"
	"github.com/talentops/bobsync/internal/pacer"
	"github.com/talentops/bobsync/internal/resolver"
	"github.com/talentops/bobsync/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"batch_size", cfg.Batch.Size,
		"trigger_interval", cfg.Batch.TriggerInterval,
		"hrapi_rpm", cfg.HRAPI.RequestsPerMinute)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create HR API client and check reachability (non-fatal: the
	// remote directory being down must not prevent sheet management).
	hrClient := hrapi.NewHTTPClient(cfg.HRAPI.BaseURL, cfg.HRAPI.ServiceUserID,
		cfg.HRAPI.ServiceUserToken, cfg.HRAPI.Timeout)
	if err := hrClient.Ready(ctx); err != nil {
		slog.Warn("HR API not reachable at startup", "error", err)
	} else {
		slog.Info("HR API reachable", "base_url", cfg.HRAPI.BaseURL)
	}

	// 6. Create store and batch engine
	pgStore := store.NewPostgresStore(pool)

	pc := pacer.New(cfg.HRAPI.RequestsPerMinute, cfg.HRAPI.ThrottleReads)
	res := resolver.New(hrClient, redisCache, cfg.Batch.IdentityKeyField, cfg.Batch.IdentityCacheTTL)
	proc := engine.NewProcessor(hrClient, res, pc)
	exec := engine.NewExecutor(pgStore, proc, res, cfg.Batch.Size)
	trigger := engine.NewCronTrigger(slog.Default())
	defer trigger.Unregister()

	controller := engine.NewController(pgStore, redisCache, exec, proc, res,
		trigger, cfg.Batch.TriggerInterval, cfg.Batch.Size)

	// Re-arm the trigger if a descriptor survived a restart.
	if err := controller.Resume(ctx); err != nil {
		return fmt.Errorf("resume batch: %w", err)
	}

	// 7. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		CreateSheetHandler: handler.NewCreateSheetHandler(pgStore),
		ListRowsHandler:    handler.NewListRowsHandler(pgStore),
		RetryHandler:       handler.NewRetryHandler(controller),

		StartBatchHandler:  handler.NewStartBatchHandler(controller),
		CancelBatchHandler: handler.NewCancelBatchHandler(controller),
		BatchStatusHandler: handler.NewBatchStatusHandler(controller),
		BatchStepHandler:   handler.NewBatchStepHandler(controller),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
