package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/tabport/internal/api"
	"github.com/timmy/tabport/internal/app"
	"github.com/timmy/tabport/internal/config"
	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/watch"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.GetDefault().WithError(err).Fatal("Failed to load config")
	}

	appLogger := app.NewLogger(cfg.Log, "tabport-api")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize pipeline")
	}
	defer pipeline.Close()

	if _, err := pipeline.Bootstrap(ctx); err != nil {
		appLogger.WithError(err).Fatal("Failed to bootstrap sources")
	}

	if cfg.Ingest.Watch {
		sources, err := pipeline.Sources.ListEnabled(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to list sources")
		}
		watcher, err := watch.New(pipeline.Coordinator)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to start file watcher")
		}
		defer watcher.Close()
		for i := range sources {
			if err := watcher.Add(ctx, &sources[i]); err != nil {
				appLogger.WithError(err).Warn("Failed to watch source")
			}
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				appLogger.WithError(err).Error("File watcher stopped")
			}
		}()
	}

	go func() {
		if err := pipeline.Coordinator.Start(ctx); err != nil {
			appLogger.WithError(err).Error("Coordinator stopped")
		}
	}()

	router := api.SetupRouter(api.Deps{
		DB:             pipeline.DB,
		Push:           pipeline.Push,
		Coordinator:    pipeline.Coordinator,
		Reader:         pipeline.Reader,
		Metrics:        pipeline.Metrics,
		MaxUploadBytes: cfg.Ingest.MaxUploadBytes,
	}, cfg.Server)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port": cfg.Server.Port,
			"mode": cfg.Server.Mode,
		}).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down server...")

	shutdownCtx, cancel := app.ShutdownContext()
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}

	appLogger.Info("Server exited")
}
