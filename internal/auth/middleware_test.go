package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware_PublicPaths(t *testing.T) {
	m := NewMiddleware(nil, &MiddlewareConfig{Enabled: true, PublicPaths: []string{"/status"}})
	h := m.Handler(okHandler())

	for _, path := range []string{"/health", "/healthz", "/ready", "/metrics", "/status"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	m := NewMiddleware(nil, &MiddlewareConfig{Enabled: false})
	rec := httptest.NewRecorder()
	m.Handler(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/tasks", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Disabled middleware status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_MissingOrMalformedHeader(t *testing.T) {
	// A non-nil provider forces enforcement; the token paths are not
	// reached for these requests.
	m := NewMiddleware(&Provider{}, &MiddlewareConfig{Enabled: true})
	h := m.Handler(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/tasks", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Missing header status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 response missing WWW-Authenticate header")
	}

	req := httptest.NewRequest("GET", "/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Malformed header status = %d, want 401", rec.Code)
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole("admin")(okHandler())

	// No claims in context.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("No claims status = %d, want 403", rec.Code)
	}

	// Claims without the role.
	req := httptest.NewRequest("GET", "/", nil)
	ctx := context.WithValue(req.Context(), claimsContextKey, &Claims{Roles: []string{"viewer"}})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusForbidden {
		t.Errorf("Wrong role status = %d, want 403", rec.Code)
	}

	// Claims with the role.
	ctx = context.WithValue(req.Context(), claimsContextKey, &Claims{Roles: []string{"admin"}})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusOK {
		t.Errorf("Matching role status = %d, want 200", rec.Code)
	}
}

func TestRequireGroup(t *testing.T) {
	h := RequireGroup("ops")(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	ctx := context.WithValue(req.Context(), claimsContextKey, &Claims{Groups: []string{"ops", "dev"}})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusOK {
		t.Errorf("Matching group status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("No claims status = %d, want 403", rec.Code)
	}
}

func TestClaims(t *testing.T) {
	c := &Claims{
		Roles:  []string{"operator"},
		Groups: []string{"automation"},
	}
	if !c.HasRole("operator") || c.HasRole("admin") {
		t.Error("HasRole mismatch")
	}
	if !c.HasGroup("automation") || c.HasGroup("ops") {
		t.Error("HasGroup mismatch")
	}

	if c.IsExpired() {
		t.Error("Zero expiry reported as expired")
	}
	c.Expiry = time.Now().Add(-time.Minute).Unix()
	if !c.IsExpired() {
		t.Error("Past expiry not reported as expired")
	}
	c.Expiry = time.Now().Add(time.Hour).Unix()
	if c.IsExpired() {
		t.Error("Future expiry reported as expired")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	h := rl.Handler(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d status = %d, want 200", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Over-burst request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestPerIPRateLimiter(t *testing.T) {
	rl := NewPerIPRateLimiter(1, 1)
	h := rl.Handler(okHandler())

	reqA := httptest.NewRequest("GET", "/", nil)
	reqA.Header.Set("X-Forwarded-For", "10.0.0.1")
	reqB := httptest.NewRequest("GET", "/", nil)
	reqB.Header.Set("X-Forwarded-For", "10.0.0.2")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, reqA)
	if rec.Code != http.StatusOK {
		t.Fatalf("First request from A status = %d, want 200", rec.Code)
	}

	// A's budget is spent; B still has its own.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, reqA)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Second request from A status = %d, want 429", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, reqB)
	if rec.Code != http.StatusOK {
		t.Errorf("First request from B status = %d, want 200", rec.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if ip := getClientIP(req); ip != "203.0.113.7" {
		t.Errorf("X-Forwarded-For ip = %q, want 203.0.113.7", ip)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Real-IP", "198.51.100.4")
	if ip := getClientIP(req); ip != "198.51.100.4" {
		t.Errorf("X-Real-IP ip = %q, want 198.51.100.4", ip)
	}
}
