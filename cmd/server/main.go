package main

import (
	"context"
	"os"

	"github.com/PADAS/gundi-integration-ats-v2/internal/ats"
	"github.com/PADAS/gundi-integration-ats-v2/internal/blob"
	"github.com/PADAS/gundi-integration-ats-v2/internal/config"
	"github.com/PADAS/gundi-integration-ats-v2/internal/observability"
	"github.com/PADAS/gundi-integration-ats-v2/internal/pipeline"
	"github.com/PADAS/gundi-integration-ats-v2/internal/sensors"
	"github.com/PADAS/gundi-integration-ats-v2/internal/server"
	"github.com/PADAS/gundi-integration-ats-v2/internal/staging"
	"github.com/PADAS/gundi-integration-ats-v2/internal/store"
)

func main() {
	ctx := context.Background()
	logger := observability.NewLogger(os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger.Info("starting ats connector", "addr", cfg.ListenAddr)

	groups, err := store.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.DB)
	if err != nil {
		logger.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	defer groups.Close()

	blobs, err := blob.New(cfg.Blob.Endpoint, cfg.Blob.AccessKey, cfg.Blob.SecretKey, cfg.Blob.Bucket, cfg.Blob.Secure)
	if err != nil {
		logger.Error("blob storage init failed", "error", err)
		os.Exit(1)
	}

	tracker := staging.NewTracker(groups, blobs, logger)
	vendor := ats.NewClient(ats.DefaultTimeout, logger)
	dispatcher := sensors.NewClient(cfg.Sensors.BaseURL, cfg.Sensors.APIKey)
	pipe := pipeline.New(cfg, vendor, blobs, tracker, dispatcher, logger)

	go observability.StartMetricsServer(cfg.MetricsPort)

	srv := server.New(pipe, tracker, logger)
	if err := server.Start(cfg.ListenAddr, srv.Handler()); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}
