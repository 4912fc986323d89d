package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/timmy/tabport/internal/app"
	"github.com/timmy/tabport/internal/config"
	"github.com/timmy/tabport/internal/logger"
	"github.com/timmy/tabport/internal/service"
)

func main() {
	// Parse command line flags
	sourceID := flag.Uint("source", 0, "Scan only this source id (0 runs one full cycle)")
	requeueStuck := flag.Bool("requeue-stuck", false, "Fail jobs stuck in PROCESSING so their files are retried")
	bootstrap := flag.Bool("bootstrap", true, "Upsert sources from sources_file before scanning")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.GetDefault().WithError(err).Fatal("Failed to load config")
	}

	appLogger := app.NewLogger(cfg.Log, "tabport-ingest")
	defer logger.Sync()

	appLogger.WithFields(logger.Fields{
		"source":        *sourceID,
		"requeue_stuck": *requeueStuck,
	}).Info("Starting ingestion")

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize pipeline")
	}
	defer pipeline.Close()

	if *bootstrap {
		if _, err := pipeline.Bootstrap(ctx); err != nil {
			appLogger.WithError(err).Fatal("Failed to bootstrap sources")
		}
	}

	var report interface{}
	if *sourceID != 0 {
		res, err := pipeline.Coordinator.ScanSource(ctx, uint(*sourceID), service.ScanOptions{RequeueStuck: *requeueStuck})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to scan source")
		}
		report = res
	} else {
		res, err := pipeline.Coordinator.RunCycle(ctx)
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to run scan cycle")
		}
		report = res
		appLogger.WithFields(logger.Fields{
			"scanned":   res.Scanned,
			"drained":   res.Drained,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
		}).Info("Ingestion completed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		appLogger.WithError(err).Fatal("Failed to write report")
	}
}
