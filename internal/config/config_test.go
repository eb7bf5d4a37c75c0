package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BACKEND_URL", "")
	t.Setenv("ENV", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if cfg.DBMaxConns != 20 {
		t.Errorf("expected default max conns 20, got %d", cfg.DBMaxConns)
	}
	if cfg.HTTPTimeout() != 15*time.Second {
		t.Errorf("expected 15s timeout, got %s", cfg.HTTPTimeout())
	}
	if cfg.JWTIssuer != "medtrack" {
		t.Errorf("expected default issuer, got %s", cfg.JWTIssuer)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://care.example.com/api")
	t.Setenv("ACCESS_TOKEN", "abc")
	t.Setenv("HTTP_TIMEOUT_SECONDS", "5")
	t.Setenv("CLIENT_RPS", "2.5")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BackendURL != "https://care.example.com/api" || cfg.AccessToken != "abc" {
		t.Errorf("unexpected client settings %+v", cfg)
	}
	if cfg.HTTPTimeout() != 5*time.Second || cfg.ClientRPS != 2.5 {
		t.Errorf("unexpected transport settings %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example.com" {
		t.Errorf("expected two origins, got %v", cfg.CORSOrigins)
	}
	if err := cfg.RequireClient(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
}

func TestConfig_Location(t *testing.T) {
	c := &Config{LocalTZ: "Africa/Nairobi"}
	loc, err := c.Location()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.String() != "Africa/Nairobi" {
		t.Errorf("unexpected location %s", loc)
	}

	c.LocalTZ = "Mars/Olympus"
	if _, err := c.Location(); err == nil {
		t.Error("expected error for unknown zone")
	}

	c.LocalTZ = ""
	if loc, _ := c.Location(); loc != time.Local {
		t.Errorf("expected local zone, got %s", loc)
	}
}

func TestConfig_TokenRefreshURL(t *testing.T) {
	c := &Config{BackendURL: "https://care.example.com/api"}
	got, err := c.TokenRefreshURL()
	if err != nil || got != "https://care.example.com/auth/token/refresh/" {
		t.Errorf("unexpected refresh URL %q (%v)", got, err)
	}

	c.RefreshURL = "https://auth.example.com/refresh"
	if got, _ := c.TokenRefreshURL(); got != c.RefreshURL {
		t.Errorf("explicit refresh URL should win, got %q", got)
	}

	c = &Config{BackendURL: "/api"}
	if _, err := c.TokenRefreshURL(); err == nil {
		t.Error("expected error for a relative backend URL")
	}
}

func TestConfig_RequireClient(t *testing.T) {
	c := &Config{BackendURL: "http://localhost:8000/api"}
	if err := c.RequireClient(); err == nil || !strings.Contains(err.Error(), "ACCESS_TOKEN") {
		t.Errorf("expected missing token error, got %v", err)
	}
}

func TestConfig_RequireBackend(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		inMemory bool
		wantErr  bool
	}{
		{"in-memory dev", Config{Env: "development"}, true, false},
		{"dev needs database", Config{Env: "development"}, false, true},
		{"staging needs key", Config{Env: "staging", DatabaseURL: "postgres://x"}, false, true},
		{"production short key", Config{Env: "production", DatabaseURL: "postgres://x", JWTSigningKey: "short"}, false, true},
		{"production", Config{Env: "production", DatabaseURL: "postgres://x", JWTSigningKey: strings.Repeat("k", 32)}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.RequireBackend(tt.inMemory)
			if (err != nil) != tt.wantErr {
				t.Errorf("RequireBackend() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
