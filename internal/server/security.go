// security.go - Security response headers middleware.
package server

import "net/http"

// securityHeadersMiddleware adds defense-in-depth headers to every
// response. This is a machine API with no cookies or HTML responses, so
// CSRF protection does not apply here; only the headers survive from the
// teacher's version.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next.ServeHTTP(w, r)
	})
}
