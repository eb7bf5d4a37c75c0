package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func callHealth(t *testing.T, p Pinger, stats func() *PoolStats) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	if err := HealthHandler(p, stats)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, body
}

func TestHealthHandler_Healthy(t *testing.T) {
	code, body := callHealth(t, pingFunc(func(context.Context) error { return nil }), func() *PoolStats {
		return &PoolStats{TotalConns: 3, MaxConns: 10}
	})
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", body["status"])
	}
	pool, ok := body["pool"].(map[string]interface{})
	if !ok || pool["max_conns"] != float64(10) {
		t.Errorf("expected pool stats, got %v", body["pool"])
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	code, body := callHealth(t, pingFunc(func(context.Context) error { return errors.New("connection refused") }), nil)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if body["status"] != "unhealthy" || body["error"] != "connection refused" {
		t.Errorf("unexpected body %v", body)
	}
	if _, ok := body["pool"]; ok {
		t.Error("no pool stats without a stats func")
	}
}

func TestNoTx(t *testing.T) {
	called := false
	err := NoTx(context.Background(), func(ctx context.Context) error {
		called = true
		if TxFromContext(ctx) != nil {
			t.Error("NoTx must not start a transaction")
		}
		return nil
	})
	if err != nil || !called {
		t.Errorf("NoTx: called=%v err=%v", called, err)
	}
}
