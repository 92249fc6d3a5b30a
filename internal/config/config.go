// Package config loads and validates the upload service's configuration
// from the environment, failing fast with a clear error rather than
// surfacing a half-configured service at request time.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server holds the upload server's runtime configuration.
type Server struct {
	Addr string

	DatabaseURL string

	StoragePath       string
	MaxUploadSize     int64
	AllowedExtensions []string

	ExpirationEnabled  bool
	ExpirationTimeout  time.Duration
	ExpirationInterval time.Duration

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	WebhookEnabled bool
	WebhookURL     string
	WebhookSecret  string
}

// Client holds the resumable client's runtime configuration.
type Client struct {
	BaseURL           string
	ChunkSize         int64
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	MaxConcurrent     int
	ThreadPoolSize    int
	LocationCachePath string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

// LoadServer reads Server configuration from the environment.
func LoadServer() Server {
	var exts []string
	if v := os.Getenv("UPLOADSVC_ALLOWED_EXTENSIONS"); v != "" {
		for _, e := range strings.Split(v, ",") {
			e = strings.TrimSpace(strings.ToLower(e))
			if e != "" {
				exts = append(exts, e)
			}
		}
	}

	return Server{
		Addr:        getenv("UPLOADSVC_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		StoragePath:       os.Getenv("UPLOADSVC_STORAGE_PATH"),
		MaxUploadSize:     getenvInt64("UPLOADSVC_MAX_UPLOAD_SIZE", 1<<30),
		AllowedExtensions: exts,

		ExpirationEnabled:  getenvBool("UPLOADSVC_EXPIRATION_ENABLED", true),
		ExpirationTimeout:  getenvDuration("UPLOADSVC_EXPIRATION_TIMEOUT", 24*time.Hour),
		ExpirationInterval: getenvDuration("UPLOADSVC_EXPIRATION_INTERVAL", time.Hour),

		S3Endpoint:  os.Getenv("UPLOADSVC_S3_ENDPOINT"),
		S3AccessKey: os.Getenv("UPLOADSVC_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("UPLOADSVC_S3_SECRET_KEY"),
		S3Bucket:    os.Getenv("UPLOADSVC_S3_BUCKET"),
		S3UseSSL:    getenvBool("UPLOADSVC_S3_USE_SSL", true),

		WebhookEnabled: getenvBool("UPLOADSVC_WEBHOOK_ENABLED", false),
		WebhookURL:     os.Getenv("UPLOADSVC_WEBHOOK_URL"),
		WebhookSecret:  os.Getenv("UPLOADSVC_WEBHOOK_SECRET"),
	}
}

// LoadClient reads Client configuration from the environment.
func LoadClient() Client {
	return Client{
		BaseURL:           getenv("UPLOADSVC_CLIENT_BASE_URL", "http://localhost:8080"),
		ChunkSize:         getenvInt64("UPLOADSVC_CLIENT_CHUNK_SIZE", 3<<20),
		MaxAttempts:       getenvInt("UPLOADSVC_CLIENT_RETRY_MAX_ATTEMPTS", 3),
		InitialDelay:      getenvDuration("UPLOADSVC_CLIENT_RETRY_INITIAL_DELAY", time.Second),
		MaxDelay:          getenvDuration("UPLOADSVC_CLIENT_RETRY_MAX_DELAY", 30*time.Second),
		Multiplier:        getenvFloat("UPLOADSVC_CLIENT_RETRY_MULTIPLIER", 2.0),
		MaxConcurrent:     getenvInt("UPLOADSVC_CLIENT_MAX_CONCURRENT", 3),
		ThreadPoolSize:    getenvInt("UPLOADSVC_CLIENT_THREAD_POOL_SIZE", 5),
		LocationCachePath: getenv("UPLOADSVC_CLIENT_LOCATION_CACHE", ""),
	}
}

// ValidationError collects configuration problems found at boot.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validator accumulates ValidationErrors across a batch of checks.
type Validator struct {
	errs []ValidationError
}

func NewValidator() *Validator { return &Validator{} }

func (v *Validator) add(field, msg string) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: msg})
}

func (v *Validator) RequireNonEmpty(field, value string) {
	if value == "" {
		v.add(field, "required but not set")
	}
}

func (v *Validator) RequirePositive(field string, value int64) {
	if value <= 0 {
		v.add(field, "must be a positive number")
	}
}

func (v *Validator) RequireURL(field, value string) {
	if value == "" {
		return
	}
	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		v.add(field, "must be a valid http(s) URL")
	}
}

func (v *Validator) RequirePostgresDSN(field, value string) {
	if value == "" {
		return
	}
	if !strings.HasPrefix(value, "postgres://") && !strings.HasPrefix(value, "postgresql://") {
		v.add(field, "must be a postgres:// or postgresql:// connection string")
	}
}

func (v *Validator) HasErrors() bool { return len(v.errs) > 0 }

func (v *Validator) Error() error {
	if !v.HasErrors() {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errs))
	for i, e := range v.errs {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e.Error())
	}
	return fmt.Errorf("%s", sb.String())
}

// ValidateServer validates a fully-loaded Server configuration, returning a
// single aggregate error describing every problem found, or nil.
func ValidateServer(cfg Server) error {
	v := NewValidator()
	v.RequireNonEmpty("DATABASE_URL", cfg.DatabaseURL)
	v.RequirePostgresDSN("DATABASE_URL", cfg.DatabaseURL)
	v.RequireNonEmpty("UPLOADSVC_STORAGE_PATH", cfg.StoragePath)
	v.RequirePositive("UPLOADSVC_MAX_UPLOAD_SIZE", cfg.MaxUploadSize)

	if cfg.WebhookEnabled {
		v.RequireURL("UPLOADSVC_WEBHOOK_URL", cfg.WebhookURL)
		if cfg.WebhookSecret == "" {
			v.add("UPLOADSVC_WEBHOOK_SECRET", "required when webhooks are enabled, to sign payloads")
		}
	}

	if cfg.S3Bucket != "" {
		v.RequireNonEmpty("UPLOADSVC_S3_ENDPOINT", cfg.S3Endpoint)
		v.RequireNonEmpty("UPLOADSVC_S3_ACCESS_KEY", cfg.S3AccessKey)
		v.RequireNonEmpty("UPLOADSVC_S3_SECRET_KEY", cfg.S3SecretKey)
	} else {
		v.add("UPLOADSVC_S3_BUCKET", "required but not set")
	}

	return v.Error()
}
