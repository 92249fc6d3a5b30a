// server.go - HTTP server wiring and lifecycle for the upload service.
//
// Registers the TUS protocol engine, the Progress API, and health checks
// on one mux, wraps them in the same middleware chain ordering as the
// teacher (request id outermost, then logging, then rate limiting, then
// security headers), and exposes Start/Shutdown for the production
// entrypoint and tests.
package server

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"time"

	"uploadsvc/internal/logging"
	"uploadsvc/internal/protocol"
	"uploadsvc/internal/store"
)

// BuildInfo carries build-time metadata exposed for diagnostics.
type BuildInfo struct {
	Version string
	Commit  string
}

// Config is the dependency-injection surface for New.
type Config struct {
	Addr        string
	Build       BuildInfo
	Engine      *protocol.Engine
	Metadata    store.MetadataStore
	DB          *sql.DB
	ObjectStore pinger

	RateLimitPerMinute int // requests allowed per IP and route class per minute; 0 or less means 600
}

// Server wires HTTP routes to handlers and holds external dependencies.
type Server struct {
	httpServer  *http.Server
	db          *sql.DB
	objectStore pinger
	metadata    store.MetadataStore
	build       BuildInfo
}

// New constructs a Server and registers routes.
func New(cfg Config) *Server {
	s := &Server{
		db:          cfg.DB,
		objectStore: cfg.ObjectStore,
		metadata:    cfg.Metadata,
		build:       cfg.Build,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/api/progress/list", s.progressListHandler)
	mux.HandleFunc("/api/progress/", s.progressOneHandler)
	mux.HandleFunc("/files", cfg.Engine.Route)
	mux.HandleFunc("/files/", cfg.Engine.Route)

	rateLimit := cfg.RateLimitPerMinute
	if rateLimit <= 0 {
		rateLimit = 600
	}
	limiter := newRateLimiter(rateLimit, time.Minute)

	handler := requestIDMiddleware(
		loggingMiddleware(
			limiter.middleware(
				securityHeadersMiddleware(mux),
			),
		),
	)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Start begins serving on a background listener and returns once it is
// accepting connections, or the first error encountered while binding.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	go func() {
		logging.Info("server_starting", map[string]any{"addr": s.httpServer.Addr})
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("server_stopped", nil, err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server, waiting for in-flight
// requests to finish within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
