// voiced - real-time voice conversation server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/voicechat-io/voiced/internal/api"
	"github.com/voicechat-io/voiced/internal/config"
	"github.com/voicechat-io/voiced/internal/convo"
	"github.com/voicechat-io/voiced/internal/engine"
	"github.com/voicechat-io/voiced/internal/metrics"
	"github.com/voicechat-io/voiced/internal/middleware"
	"github.com/voicechat-io/voiced/internal/pipeline"
	"github.com/voicechat-io/voiced/internal/recall"
	"github.com/voicechat-io/voiced/internal/session"
	"github.com/voicechat-io/voiced/internal/store"
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

	// Semantic recall is optional: without a DSN the index is a no-op and
	// turns run on recent history only.
	index := recall.NewDisabled()
	if cfg.RecallDSN != "" {
		pgIndex, err := recall.NewPGVector(context.Background(), cfg.RecallDSN, cfg.RecallDims)
		if err != nil {
			slog.Warn("Vector store unavailable, semantic recall disabled", "error", err)
		} else {
			index = pgIndex
			slog.Info("Vector store connected", "dims", cfg.RecallDims)
		}
	}
	defer index.Close()

	m := metrics.New()

	// Initialize services. Engines load lazily on first use.
	gateway := engine.New(cfg.Engines)
	contextStore := convo.New(repo, index, gateway, cfg.Pipeline, m)
	defer contextStore.Close()

	mgr := session.NewManager(repo, m)
	pipe := pipeline.New(gateway, contextStore, m, mgr.ObserveState)
	mgr.SetRunner(pipe)

	// Initialize handlers.
	apiHandler := api.NewHandler(repo, mgr, gateway)
	wsHandler := session.NewWebSocketHandler(mgr, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	apiHandler.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint.
	r.Get("/ws", wsHandler.ServeHTTP)

	// Create server.
	// Note: WebSocket sessions are long-lived, so no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
