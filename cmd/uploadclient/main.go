// cmd/uploadclient/main.go - Standalone resumable-upload client CLI.
//
// Accepts one or more file paths on the command line, drives the
// Resumable Client's batch executor against a configured server, and
// prints a final COMPLETED/FAILED summary.
package main

import (
	"context"
	"fmt"
	"os"

	"uploadsvc/internal/client"
	"uploadsvc/internal/config"
	"uploadsvc/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <file> [file...]\n", os.Args[0])
		os.Exit(2)
	}
	paths := os.Args[1:]

	cfg := config.LoadClient()

	cachePath := cfg.LocationCachePath
	if cachePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cachePath = home + "/.uploadsvc/locations.json"
	}
	locations := client.NewFileLocationStore(cachePath)

	uploader := client.New(nil, locations, client.Config{
		BaseURL:        cfg.BaseURL,
		ChunkSize:      cfg.ChunkSize,
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   cfg.InitialDelay,
		MaxDelay:       cfg.MaxDelay,
		Multiplier:     cfg.Multiplier,
		MaxConcurrent:  cfg.MaxConcurrent,
		ThreadPoolSize: cfg.ThreadPoolSize,
	})

	summary := uploader.UploadBatch(context.Background(), paths)

	for _, r := range summary.Results {
		if r.Err != nil {
			logging.Warn("upload_failed", map[string]any{"path": r.Path, "error": r.Err.Error()})
		} else {
			logging.Info("upload_completed", map[string]any{"path": r.Path, "upload_uri": r.UploadURI})
		}
	}

	fmt.Printf("COMPLETED: %d, FAILED: %d\n", summary.Completed, summary.Failed)
	if summary.Failed > 0 {
		os.Exit(1)
	}
}
