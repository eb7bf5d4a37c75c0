package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Client side: the backend the CLI and BFF talk to.
	BackendURL         string  `mapstructure:"BACKEND_URL"`
	RefreshURL         string  `mapstructure:"AUTH_REFRESH_URL"`
	AccessToken        string  `mapstructure:"ACCESS_TOKEN"`
	RefreshToken       string  `mapstructure:"REFRESH_TOKEN"`
	HTTPTimeoutSeconds int     `mapstructure:"HTTP_TIMEOUT_SECONDS"`
	ClientRPS          float64 `mapstructure:"CLIENT_RPS"`
	ClientBurst        int     `mapstructure:"CLIENT_BURST"`
	LocalTZ            string  `mapstructure:"LOCAL_TZ"`

	// Server side: the reference backend.
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	JWTSigningKey  string   `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer      string   `mapstructure:"JWT_ISSUER"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"BACKEND_URL", "AUTH_REFRESH_URL", "ACCESS_TOKEN", "REFRESH_TOKEN",
	"HTTP_TIMEOUT_SECONDS", "CLIENT_RPS", "CLIENT_BURST", "LOCAL_TZ",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"JWT_SIGNING_KEY", "JWT_ISSUER", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads .env and the environment. Nothing is required here; each
// command checks what it needs with RequireClient or RequireBackend.
func Load() (*Config, error) {
	return LoadWith(viper.New())
}

// LoadWith loads through v, so callers can bind command-line flags first.
func LoadWith(v *viper.Viper) (*Config, error) {
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("BACKEND_URL", "http://localhost:8000/api")
	v.SetDefault("HTTP_TIMEOUT_SECONDS", 15)
	v.SetDefault("CLIENT_RPS", 10)
	v.SetDefault("CLIENT_BURST", 20)
	v.SetDefault("LOCAL_TZ", "Local")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("JWT_ISSUER", "medtrack")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HTTPTimeout is the per-request timeout for backend calls.
func (c *Config) HTTPTimeout() time.Duration {
	if c.HTTPTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

// Location is the zone follow-up form dates and times are read in.
func (c *Config) Location() (*time.Location, error) {
	if c.LocalTZ == "" || c.LocalTZ == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.LocalTZ)
	if err != nil {
		return nil, fmt.Errorf("LOCAL_TZ: %w", err)
	}
	return loc, nil
}

// TokenRefreshURL is AUTH_REFRESH_URL, or /auth/token/refresh/ on the
// backend's host.
func (c *Config) TokenRefreshURL() (string, error) {
	if c.RefreshURL != "" {
		return c.RefreshURL, nil
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("BACKEND_URL %q is not an absolute URL", c.BackendURL)
	}
	return u.Scheme + "://" + u.Host + "/auth/token/refresh/", nil
}

// RequireClient checks the settings the backend client needs.
func (c *Config) RequireClient() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("ACCESS_TOKEN is required")
	}
	if _, err := c.TokenRefreshURL(); err != nil {
		return err
	}
	_, err := c.Location()
	return err
}

// RequireBackend checks the settings the reference backend needs. An
// in-memory backend runs without a database.
func (c *Config) RequireBackend(inMemory bool) error {
	if !inMemory && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSigningKey == "" && !c.IsDev() {
		return fmt.Errorf("JWT_SIGNING_KEY is required outside development")
	}
	if c.IsProduction() && len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 bytes in production")
	}
	return nil
}
