package pipeline

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sethgrid/pester"

	"uploadsvc/internal/logging"
)

// webhookPayload is the JSON body POSTed to the configured endpoint once a
// promotion finishes, successfully or not.
type webhookPayload struct {
	UploadURI        string `json:"uploadURI"`
	FileName         string `json:"fileName"`
	TotalSize        int64  `json:"totalSize"`
	Status           string `json:"status"`
	ObjectKey        string `json:"objectKey"`
	ChecksumVerified bool   `json:"checksumVerified"`
}

// WebhookSender delivers the completion notification. Built around
// sethgrid/pester instead of the teacher's hand-rolled time.Sleep retry
// loop, since pester is already a dependency in this domain pulled in for
// exactly this purpose (tusd's HTTP hook system).
type WebhookSender struct {
	URL        string
	Secret     string
	client     *pester.Client
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration
}

func NewWebhookSender(url, secret string) *WebhookSender {
	client := pester.New()
	client.KeepLog = true
	client.MaxRetries = 3
	backoff := 500 * time.Millisecond
	client.Backoff = func(_ int) time.Duration { return backoff }

	return &WebhookSender{
		URL:        url,
		Secret:     secret,
		client:     client,
		MaxRetries: 3,
		Backoff:    backoff,
		Timeout:    10 * time.Second,
	}
}

// Send delivers the payload. Failure is logged and returned to the caller
// but never alters the upload's persisted status (§4.E: webhook delivery
// is independent of the completed/transferred transition).
func (w *WebhookSender) Send(ctx context.Context, p webhookPayload) error {
	if w.URL == "" {
		return nil
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", sign(body, w.Secret))

	resp, err := w.client.Do(req)
	if err != nil {
		logging.Warn("webhook_delivery_failed", map[string]any{"url": w.URL, "error": err.Error()})
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		err := fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
		logging.Warn("webhook_delivery_rejected", map[string]any{"url": w.URL, "status": resp.StatusCode})
		return err
	}

	logging.Info("webhook_delivered", map[string]any{"url": w.URL, "upload_uri": p.UploadURI})
	return nil
}

// sign computes the HMAC-SHA256 signature of body, replacing the
// teacher's generateWebhookSignature, which only formatted the raw
// payload as hex and never touched the secret at all.
func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
