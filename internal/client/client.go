// Package client implements the Resumable Client (§4.G): it drives the
// TUS verbs from the sender side, consults a LocationStore to resume
// interrupted uploads, and retries chunk delivery with backoff. Grounded
// on bdragon300/tusgo's Client/UploadStream (capability discovery,
// resume-on-409, chunked dirty-buffer writes) and the teacher's env-var
// configuration style.
package client

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"uploadsvc/internal/logging"
	"uploadsvc/internal/store"
)

// errOffsetConflict marks an append attempt rejected with 409: the
// client's idea of the offset disagrees with the server's.
var errOffsetConflict = errors.New("offset conflict")

// Config bounds chunking and retry behavior. Field names mirror the
// env-var-driven config structs the teacher builds for its own services.
type Config struct {
	BaseURL        string
	ChunkSize      int64
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	MaxConcurrent  int
	ThreadPoolSize int
}

// Client uploads files to a TUS 1.0.0 server, resuming from a
// LocationStore-backed fingerprint cache when possible.
type Client struct {
	HTTP      *http.Client
	Locations store.LocationStore
	Config    Config
}

func New(httpClient *http.Client, locations store.LocationStore, cfg Config) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{HTTP: httpClient, Locations: locations, Config: cfg}
}

// Fingerprint derives the resume key for a local file from its path and
// size, exactly as the base protocol specifies: no content hashing, so
// fingerprinting a multi-gigabyte file costs nothing beyond a stat call.
func Fingerprint(path string, size int64) string {
	return fmt.Sprintf("%s:%d", path, size)
}

// UploadFile uploads the file at path, resuming a prior session if the
// LocationStore has one for its fingerprint and the server still
// recognizes it. Returns the final upload URI.
func (c *Client) UploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	fingerprint := Fingerprint(path, size)

	checksum, err := sha256File(f)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", path, err)
	}

	uploadURI, offset, err := c.resumeOrCreate(ctx, fingerprint, path, size, checksum)
	if err != nil {
		return "", err
	}

	if err := c.appendLoop(ctx, uploadURI, f, offset, size); err != nil {
		return "", err
	}

	_ = c.Locations.Remove(ctx, fingerprint)
	return uploadURI, nil
}

// resumeOrCreate consults the location cache; if a cached URL exists and
// the server still has a live session for it (a successful INSPECT), it
// resumes from the reported offset. Otherwise it issues a CREATE and
// caches the resulting location.
func (c *Client) resumeOrCreate(ctx context.Context, fingerprint, path string, size int64, checksum string) (string, int64, error) {
	if cached, err := c.Locations.Get(ctx, fingerprint); err == nil {
		offset, inspectErr := c.inspect(ctx, cached)
		if inspectErr == nil {
			return cached, offset, nil
		}
		logging.Info("resume_inspect_failed_creating_new", map[string]any{"location": cached, "error": inspectErr.Error()})
	}

	uploadURI, err := c.create(ctx, path, size, checksum)
	if err != nil {
		return "", 0, err
	}
	if err := c.Locations.Put(ctx, fingerprint, uploadURI); err != nil {
		logging.Warn("location_cache_put_failed", map[string]any{"fingerprint": fingerprint, "error": err.Error()})
	}
	return uploadURI, 0, nil
}

func (c *Client) create(ctx context.Context, path string, size int64, checksum string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Config.BaseURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Tus-Resumable", "1.0.0")
	req.Header.Set("Upload-Length", strconv.FormatInt(size, 10))
	req.Header.Set("Upload-Metadata", encodeMetadata(map[string]string{
		"filename": baseName(path),
		"checksum": checksum,
	}))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create upload: unexpected status %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("create upload: server did not return a Location header")
	}
	return c.absoluteURL(location), nil
}

func (c *Client) inspect(ctx context.Context, uploadURI string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, uploadURI, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Tus-Resumable", "1.0.0")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("inspect upload: unexpected status %d", resp.StatusCode)
	}
	return strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
}

// appendLoop sends the remainder of f in Config.ChunkSize pieces,
// retrying each chunk with exponential backoff. A 409 response resyncs
// the offset via a fresh INSPECT rather than aborting outright.
func (c *Client) appendLoop(ctx context.Context, uploadURI string, f *os.File, offset, total int64) error {
	for offset < total {
		newOffset, err := c.appendChunkWithRetry(ctx, uploadURI, f, offset, total)
		if err != nil {
			return err
		}
		offset = newOffset
	}
	return nil
}

// appendChunkWithRetry sends one chunk starting at offset, recomputing the
// chunk window on every attempt so a 409 partway through can resync offset
// via INSPECT and resume from the server's actual position instead of
// replaying the same stale range forever.
func (c *Client) appendChunkWithRetry(ctx context.Context, uploadURI string, f *os.File, offset, total int64) (int64, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.Config.InitialDelay
	policy.MaxInterval = c.Config.MaxDelay
	policy.Multiplier = c.Config.Multiplier
	policy.MaxElapsedTime = 0 // bounded by MaxAttempts instead, not wall-clock

	var result int64
	attempt := 0
	operation := func() error {
		attempt++

		chunkSize := c.Config.ChunkSize
		if remaining := total - offset; remaining < chunkSize {
			chunkSize = remaining
		}
		chunk := io.NewSectionReader(f, offset, chunkSize)

		newOffset, err := c.appendChunk(ctx, uploadURI, chunk, offset)
		if err == nil {
			result = newOffset
			return nil
		}

		if errors.Is(err, errOffsetConflict) {
			if serverOffset, inspectErr := c.inspect(ctx, uploadURI); inspectErr == nil {
				logging.Info("append_chunk_resynced", map[string]any{"upload_uri": uploadURI, "from_offset": offset, "to_offset": serverOffset})
				offset = serverOffset
			} else {
				logging.Warn("append_chunk_resync_failed", map[string]any{"upload_uri": uploadURI, "error": inspectErr.Error()})
			}
		}

		if attempt >= c.Config.MaxAttempts {
			return backoff.Permanent(err)
		}
		logging.Warn("append_chunk_retry", map[string]any{"upload_uri": uploadURI, "attempt": attempt, "error": err.Error()})
		return err
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return 0, fmt.Errorf("append chunk at offset %d: %w", offset, err)
	}
	return result, nil
}

func (c *Client) appendChunk(ctx context.Context, uploadURI string, chunk io.Reader, offset int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, uploadURI, chunk)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Tus-Resumable", "1.0.0")
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", strconv.FormatInt(offset, 10))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("%w, server reports: %s", errOffsetConflict, string(body))
	}
	if resp.StatusCode != http.StatusNoContent {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	newOffset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse Upload-Offset response: %w", err)
	}
	return newOffset, nil
}

func (c *Client) absoluteURL(location string) string {
	if len(location) == 0 || location[0] != '/' {
		return location
	}
	base, err := url.Parse(c.Config.BaseURL)
	if err != nil {
		return location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}

func encodeMetadata(meta map[string]string) string {
	out := ""
	first := true
	for k, v := range meta {
		if !first {
			out += ","
		}
		first = false
		out += k + " " + base64.StdEncoding.EncodeToString([]byte(v))
	}
	return out
}

// sha256File hashes the full contents of f and rewinds it to the start
// so the append loop can read from byte 0 again.
func sha256File(f *os.File) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
