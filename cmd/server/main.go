package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gigatiles/internal/config"
	httphandlers "gigatiles/internal/http"
	"gigatiles/internal/layers"
	"gigatiles/internal/logger"
	"gigatiles/internal/rasterrender"
	"gigatiles/internal/render"
	"gigatiles/internal/spatialcache"
	"gigatiles/internal/telemetry"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.LogLevel, "server")
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	shutdownTracer, err := telemetry.InitTracer(context.Background(), cfg.Telemetry, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	stopVips := rasterrender.Startup(cfg.Vips.MaxCacheMB, cfg.Vips.Concurrency, log)
	defer stopVips()

	log.Info("Starting gigatiles server",
		zap.Int("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
	)

	renderer := rasterrender.New(cfg.TileSize, log)

	registry := layers.New(cfg.DataDir, renderer, log)
	if err := registry.Scan(); err != nil {
		log.Warn("Initial scan failed", zap.Error(err))
	}

	tileCache, err := spatialcache.NewFromType(cfg.Cache.Type, cfg.Cache.MaxEntries, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	service := render.New(registry, renderer, tileCache, cfg.PublicBaseURL, cfg.TileSize, log)
	handlers := httphandlers.New(cfg, log, service)

	var routes http.Handler = handlers.Routes()
	if cfg.Telemetry.Enabled {
		routes = telemetry.Middleware(routes)
	}
	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(routes))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Warmup.Levels > 0 {
		go service.Warmup(ctx, cfg.Warmup.Levels, cfg.Warmup.Workers)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error("Failed to flush traces", zap.Error(err))
	}

	log.Info("Server stopped")
}
