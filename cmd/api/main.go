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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agora/api/internal/app"
	"agora/api/internal/auth"
	"agora/api/internal/bootstrap"
	"agora/api/internal/config"
)

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.IsDevelopment() {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx := context.Background()
	components, err := bootstrap.Build(ctx, cfg, logger, registry)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	if !cfg.AIConfigured() {
		logger.Warn("AI_PROXY_URL not set; create and search will fail, analysis uses the keyword heuristic")
	}
	if !cfg.VectorConfigured() {
		logger.Warn("ZILLIZ_API_URL not set; proposals cannot be indexed")
	}

	// Catch the keyword mirror up with writes made while this process was down.
	components.Search.Backfill()

	admin := auth.NewAdmin(cfg.AdminSecret, cfg.AdminSecretHash)
	if !admin.Enabled() {
		logger.Warn("ADMIN_SECRET not set; admin routes are disabled")
	}

	httpServer := app.NewHTTPServer(components.Service, cfg.CORSOrigin,
		app.WithAdmin(admin),
		app.WithLogger(logger),
		app.WithDebug(cfg.IsDevelopment()),
		app.WithMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Create makes up to three remote calls, each retried.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("agora API listening",
			"addr", cfg.Addr,
			"records", components.Records.Name(),
			"collection", components.Service.Collection(),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}
