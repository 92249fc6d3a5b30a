// Package sweeper periodically deletes stale in-progress uploads (§4.F),
// grounded directly on the teacher's cleanup.go (StartCleanupJob /
// runCleanup), adapted from sweeping `files`/MinIO rows to sweeping
// file_info rows and their staging files.
package sweeper

import (
	"context"
	"time"

	"uploadsvc/internal/logging"
	"uploadsvc/internal/staging"
	"uploadsvc/internal/store"
)

// Config controls the sweep cadence and staleness window.
type Config struct {
	Enabled  bool
	Interval time.Duration
	MaxAge   time.Duration
}

// Sweeper deletes `uploading` rows (and their staging files) whose
// updatedAt has not advanced in at least MaxAge.
type Sweeper struct {
	Metadata store.MetadataStore
	Staging  *staging.Store
	Config   Config
}

func New(metadata store.MetadataStore, stg *staging.Store, cfg Config) *Sweeper {
	return &Sweeper{Metadata: metadata, Staging: stg, Config: cfg}
}

// Start runs the sweep loop until ctx is cancelled. It sweeps once
// immediately, then on every tick, matching the teacher's
// StartCleanupJob behavior.
func (s *Sweeper) Start(ctx context.Context) {
	if !s.Config.Enabled {
		logging.Info("sweeper_disabled", nil)
		return
	}

	logging.Info("sweeper_starting", map[string]any{"interval": s.Config.Interval.String(), "max_age": s.Config.MaxAge.String()})

	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	s.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			logging.Info("sweeper_shutting_down", nil)
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *Sweeper) runSweep(ctx context.Context) {
	start := time.Now()
	cutoff := time.Now().Add(-s.Config.MaxAge)

	stale, err := s.Metadata.FindStaleByStatus(ctx, store.StatusUploading, cutoff)
	if err != nil {
		logging.Warn("sweeper_query_failed", map[string]any{"error": err.Error()})
		return
	}

	deleted := 0
	for _, fi := range stale {
		// Delete the staging file first, ignoring not-found, so a crash
		// between the two deletes leaves a row with no staging file (still
		// recoverable by a later sweep) rather than an orphaned file with
		// no row left to drive its cleanup.
		id := trimFilesPrefix(fi.UploadURI)
		if err := s.Staging.Delete(id); err != nil {
			logging.Warn("sweeper_staging_delete_failed", map[string]any{"upload_uri": fi.UploadURI, "error": err.Error()})
		}

		// Re-check updatedAt at delete time: a race-safe conditional
		// delete so an APPEND that landed between the query above and
		// now isn't clobbered (P6).
		ok, err := s.Metadata.DeleteIfNotUpdatedSince(ctx, fi.UploadURI, fi.UpdatedAt)
		if err != nil {
			logging.Warn("sweeper_delete_failed", map[string]any{"upload_uri": fi.UploadURI, "error": err.Error()})
			continue
		}
		if !ok {
			// Row was touched since the query; leave it for the next sweep.
			continue
		}
		deleted++
	}

	logging.Info("sweeper_run_complete", map[string]any{
		"deleted":     deleted,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func trimFilesPrefix(uploadURI string) string {
	const prefix = "/files/"
	if len(uploadURI) > len(prefix) && uploadURI[:len(prefix)] == prefix {
		return uploadURI[len(prefix):]
	}
	return uploadURI
}
