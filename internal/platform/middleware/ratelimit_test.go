package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medtrack/internal/platform/auth"
	"github.com/ehr/medtrack/internal/platform/session"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func serve(h echo.HandlerFunc, remoteAddr string, ident *auth.Identity) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	if ident != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), *ident))
	}
	rec := httptest.NewRecorder()
	err := h(e.NewContext(req, rec))
	return rec, err
}

func assertHTTPCode(t *testing.T, err error, want int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != want {
		t.Errorf("expected %d, got %d", want, he.Code)
	}
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})(okHandler)

	for i := 0; i < 5; i++ {
		rec, err := serve(h, "10.0.0.1:1234", nil)
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit '10', got %q", i+1, rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 2})(okHandler)

	for i := 0; i < 2; i++ {
		if _, err := serve(h, "10.0.0.1:1234", nil); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec, err := serve(h, "10.0.0.1:1234", nil)
	assertHTTPCode(t, err, http.StatusTooManyRequests)
	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 || retry > 2 {
		t.Errorf("expected Retry-After of 1-2 seconds, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0")
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})(okHandler)

	if _, err := serve(h, "10.0.0.1:1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := serve(h, "10.0.0.2:1", nil); err != nil {
		t.Errorf("a different IP has its own budget, got %v", err)
	}

	// Authenticated callers are keyed by user, not address.
	alice := auth.Identity{UserID: uuid.New(), Role: session.RolePatient}
	bob := auth.Identity{UserID: uuid.New(), Role: session.RolePatient}
	if _, err := serve(h, "10.0.0.1:1", &alice); err != nil {
		t.Errorf("alice should not share the IP budget, got %v", err)
	}
	if _, err := serve(h, "10.0.0.1:1", &bob); err != nil {
		t.Errorf("bob should have a separate budget, got %v", err)
	}
	_, err := serve(h, "10.0.0.3:1", &alice)
	assertHTTPCode(t, err, http.StatusTooManyRequests)
}

func TestRateLimit_ZeroBurstRejects(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 0})(okHandler)
	rec, err := serve(h, "10.0.0.1:1", nil)
	assertHTTPCode(t, err, http.StatusTooManyRequests)
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLimiterStore_EvictsIdleKeys(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	first := s.get("a")
	if s.get("a") != first {
		t.Fatal("expected the same limiter for a repeat key")
	}

	now = now.Add(2 * time.Minute)
	s.get("b")
	if _, ok := s.visitors["a"]; ok {
		t.Error("expected idle key to be evicted")
	}
}
