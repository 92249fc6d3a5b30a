// Package server wires the TUS protocol engine, the Progress API, and
// health/readiness checks onto one *http.Server, and provides the
// Start/Shutdown lifecycle used by the production binary and tests.
package server
