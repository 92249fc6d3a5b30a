// cmd/uploadserver/main.go - Production entrypoint for the resumable
// upload service.
//
// Validates configuration, opens Postgres, runs migrations, opens the
// object store, starts the HTTP server, and performs graceful shutdown on
// signals, in that order so the process fails fast rather than starting
// in a half-configured state.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"uploadsvc/internal/config"
	"uploadsvc/internal/db"
	"uploadsvc/internal/logging"
	"uploadsvc/internal/objectstore"
	"uploadsvc/internal/pipeline"
	"uploadsvc/internal/protocol"
	"uploadsvc/internal/server"
	"uploadsvc/internal/staging"
	"uploadsvc/internal/store"
	"uploadsvc/internal/sweeper"
)

func main() {
	cfg := config.LoadServer()

	logging.Info("validating_configuration", nil)
	if err := config.ValidateServer(cfg); err != nil {
		logging.Error("configuration_invalid", nil, err)
		os.Exit(1)
	}
	logging.Info("configuration_valid", nil)

	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		logging.Error("storage_path_unusable", map[string]any{"path": cfg.StoragePath}, err)
		os.Exit(1)
	}

	dbConn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logging.Error("db_connect_failed", nil, err)
		os.Exit(1)
	}
	defer func() { _ = dbConn.Close() }()

	logging.Info("running_migrations", nil)
	if err := db.Migrate(dbConn); err != nil {
		logging.Error("migration_failed", nil, err)
		os.Exit(1)
	}
	logging.Info("migrations_complete", nil)

	objStore, err := objectstore.New(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
	if err != nil {
		logging.Error("object_store_connect_failed", nil, err)
		os.Exit(1)
	}

	metadata := store.NewPostgresMetadataStore(dbConn)
	stagingStore := staging.New(cfg.StoragePath)

	var webhookSender *pipeline.WebhookSender
	if cfg.WebhookEnabled {
		webhookSender = pipeline.NewWebhookSender(cfg.WebhookURL, cfg.WebhookSecret)
	} else {
		webhookSender = pipeline.NewWebhookSender("", "")
	}
	completionPipeline := pipeline.New(metadata, stagingStore, objStore, webhookSender)

	engine := protocol.New(metadata, stagingStore, completionPipeline, protocol.Config{
		MaxUploadSize:     cfg.MaxUploadSize,
		AllowedExtensions: cfg.AllowedExtensions,
	})

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	expirySweeper := sweeper.New(metadata, stagingStore, sweeper.Config{
		Enabled:  cfg.ExpirationEnabled,
		Interval: cfg.ExpirationInterval,
		MaxAge:   cfg.ExpirationTimeout,
	})
	go expirySweeper.Start(sweepCtx)

	srv := server.New(server.Config{
		Addr:        cfg.Addr,
		Build:       server.BuildInfo{Version: getenvDefault("UPLOADSVC_VERSION", "dev"), Commit: getenvDefault("UPLOADSVC_COMMIT", "unknown")},
		Engine:      engine,
		Metadata:    metadata,
		DB:          dbConn,
		ObjectStore: objStore,
	})

	errCh := make(chan error, 1)
	go func() {
		logging.Info("starting", map[string]any{"addr": cfg.Addr})
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info("shutting_down", map[string]any{"signal": sig.String()})
		stopSweeper()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Error("shutdown_error", nil, err)
			os.Exit(1)
		}
		logging.Info("shutdown_complete", nil)
	case err := <-errCh:
		if err != nil {
			logging.Error("server_error", nil, err)
			os.Exit(1)
		}
	}
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
