package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_ClassesAreIndependent(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)

	createReq := httptest.NewRequest(http.MethodPost, "/files", nil)
	createReq.RemoteAddr = "10.0.0.1:1234"
	if !rl.allow(getClientIP(createReq) + "|" + string(classify(createReq))) {
		t.Fatal("expected first CREATE to be allowed")
	}
	if rl.allow(getClientIP(createReq) + "|" + string(classify(createReq))) {
		t.Fatal("expected second CREATE from the same IP to be rate limited")
	}

	appendReq := httptest.NewRequest(http.MethodPatch, "/files/abc", nil)
	appendReq.RemoteAddr = "10.0.0.1:1234"
	if !rl.allow(getClientIP(appendReq) + "|" + string(classify(appendReq))) {
		t.Fatal("expected APPEND budget to be independent of the exhausted CREATE budget")
	}
}

func TestRateLimiter_Middleware_BlocksOverLimit(t *testing.T) {
	rl := newRateLimiter(1, time.Minute)
	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodPost, "/files", nil)
	first.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/files", nil)
	second.RemoteAddr = "10.0.0.2:1234"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, second)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be limited, got %d", rec2.Code)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		method, path string
		want         routeClass
	}{
		{http.MethodPost, "/files", classCreate},
		{http.MethodPatch, "/files/abc", classAppend},
		{http.MethodGet, "/api/progress/abc", classProgress},
		{http.MethodHead, "/files/abc", classOther},
	}
	for _, c := range cases {
		req := httptest.NewRequest(c.method, c.path, nil)
		if got := classify(req); got != c.want {
			t.Fatalf("classify(%s %s) = %s, want %s", c.method, c.path, got, c.want)
		}
	}
}
