// health.go - Liveness and readiness endpoints.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"
)

// pinger is the subset of objectstore.Store the readiness check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

type dependencyStatus struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

type readyResponse struct {
	Status       string                       `json:"status"`
	Dependencies map[string]dependencyStatus `json:"dependencies"`
}

// healthzHandler is a liveness probe: if the process can answer HTTP at
// all, it is alive. It never touches Postgres or the object store.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// readyHandler checks every external dependency and reports per-dependency
// latency, grounded on the teacher's /ready handler.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	deps := map[string]dependencyStatus{
		"database":    checkDependency(func() error { return pingDB(ctx, s.db) }),
		"objectStore": checkDependency(func() error { return s.objectStore.Ping(ctx) }),
	}

	overall := "ok"
	for _, d := range deps {
		if d.Status != "ok" {
			overall = "degraded"
			break
		}
	}

	status := http.StatusOK
	if overall != "ok" {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResponse{Status: overall, Dependencies: deps})
}

func pingDB(ctx context.Context, db *sql.DB) error {
	return db.PingContext(ctx)
}

func checkDependency(fn func() error) dependencyStatus {
	start := time.Now()
	err := fn()
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return dependencyStatus{Status: "down", LatencyMs: latency, Error: err.Error()}
	}
	return dependencyStatus{Status: "ok", LatencyMs: latency}
}
