// Package pipeline implements the Completion Pipeline (§4.E): checksum
// verification over the local staging copy, promotion to object storage,
// and a best-effort webhook notification. Grounded on the teacher's
// upload.go (promote-to-MinIO) and webhooks.go (delivery), with the
// hash-then-promote ordering corrected and the signature made real.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"uploadsvc/internal/logging"
	"uploadsvc/internal/resilience"
	"uploadsvc/internal/staging"
	"uploadsvc/internal/store"
)

// objectPutter is the subset of objectstore.Store the pipeline needs,
// narrowed to an interface so tests can substitute a fake without
// touching a real object store.
type objectPutter interface {
	Put(ctx context.Context, objectKey string, r io.Reader, size int64) error
}

// Service runs the pipeline for a single completed upload. It satisfies
// protocol.Completer.
type Service struct {
	Metadata    store.MetadataStore
	Staging     *staging.Store
	ObjectStore objectPutter
	Webhook     *WebhookSender
	Breaker     *resilience.Breaker
}

func New(metadata store.MetadataStore, stg *staging.Store, objStore objectPutter, webhook *WebhookSender) *Service {
	return &Service{
		Metadata:    metadata,
		Staging:     stg,
		ObjectStore: objStore,
		Webhook:     webhook,
		Breaker:     resilience.New("object-store-promote", uint32(5), 30*time.Second),
	}
}

// Complete runs checksum verification, promotion, and webhook delivery
// for the upload identified by uploadURI. It is called once, synchronously,
// right after the CAS transition to "completed" succeeds.
func (s *Service) Complete(ctx context.Context, uploadURI string) error {
	fi, err := s.Metadata.FindByURI(ctx, uploadURI)
	if err != nil {
		return fmt.Errorf("load upload for completion: %w", err)
	}

	id := strings.TrimPrefix(fi.UploadURI, "/files/")

	verified, hashErr := s.verifyChecksum(id, fi.ExpectedChecksum)
	if hashErr != nil {
		logging.Warn("checksum_verification_error", map[string]any{"upload_uri": uploadURI, "error": hashErr.Error()})
	}
	fi.ChecksumVerified = verified

	objectKey := fmt.Sprintf("%s/%s", id, fi.FileName)
	promoteErr := s.promote(ctx, id, objectKey, fi.TotalSize)

	if promoteErr != nil {
		fi.Status = store.StatusFailed
		logging.Error("promotion_failed", map[string]any{"upload_uri": uploadURI}, promoteErr)
	} else {
		fi.Status = store.StatusTransferred
		fi.ObjectKey = objectKey
	}

	if err := s.Metadata.Save(ctx, fi); err != nil {
		return fmt.Errorf("save completion outcome: %w", err)
	}

	if s.Webhook.URL != "" {
		deliverErr := s.Webhook.Send(ctx, webhookPayload{
			UploadURI:        fi.UploadURI,
			FileName:         fi.FileName,
			TotalSize:        fi.TotalSize,
			Status:           string(fi.Status),
			ObjectKey:        fi.ObjectKey,
			ChecksumVerified: fi.ChecksumVerified,
		})
		if deliverErr == nil {
			fi.CallbackSent = true
			if err := s.Metadata.Save(ctx, fi); err != nil {
				logging.Warn("callback_sent_flag_not_saved", map[string]any{"upload_uri": uploadURI, "error": err.Error()})
			}
		}
	}

	return promoteErr
}

// verifyChecksum streams the staging file through SHA-256 and compares it
// against expected (lowercase hex). A missing expected value is treated
// as "nothing to verify" rather than a failure. A mismatch is reported
// but deliberately does not fail the pipeline: per §4.E this is
// informational only.
func (s *Service) verifyChecksum(id, expected string) (bool, error) {
	if expected == "" {
		return false, nil
	}

	f, err := s.Staging.Open(id)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, err
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if actual != strings.ToLower(expected) {
		logging.Warn("checksum_mismatch", map[string]any{"upload_id": id, "expected": expected, "actual": actual})
		return false, nil
	}
	return true, nil
}

// promote uploads the staging file to object storage under objectKey,
// wrapped in a circuit breaker so a failing object store doesn't pile up
// blocked APPEND requests behind slow timeouts.
func (s *Service) promote(ctx context.Context, id, objectKey string, size int64) error {
	return s.Breaker.Execute(func() error {
		f, err := s.Staging.Open(id)
		if err != nil {
			return err
		}
		defer f.Close()

		return s.ObjectStore.Put(ctx, objectKey, f, size)
	})
}
