package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/medtrack/internal/platform/session"
)

type contextKey string

const identityKey contextKey = "identity"

// Token kinds carried in the token_type claim.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// Claims is the token payload issued and accepted by the backend. The client
// reads the same user_id and role fields through session.Claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	TokenType string `json:"token_type"`
}

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID uuid.UUID
	Role   session.Role
	Name   string
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
	// Skipper bypasses authentication for matching requests.
	Skipper func(c echo.Context) bool
}

func (cfg JWTConfig) parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	return claims, nil
}

func identityFromClaims(claims *Claims) (Identity, error) {
	raw := claims.UserID
	if raw == "" {
		raw = claims.Subject
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token subject")
	}
	role, err := session.ParseRole(claims.Role)
	if err != nil {
		return Identity{}, echo.NewHTTPError(http.StatusForbidden, "unsupported role")
	}
	return Identity{UserID: id, Role: role, Name: claims.Name}, nil
}

// JWTMiddleware validates HS256 access tokens and stores the caller's
// Identity on the request context.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := cfg.parse(parts[1])
			if err != nil {
				return err
			}
			if claims.TokenType == TokenRefresh {
				return echo.NewHTTPError(http.StatusUnauthorized, "refresh tokens cannot authorize requests")
			}
			ident, err := identityFromClaims(claims)
			if err != nil {
				return err
			}

			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), ident)))
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as the given
// identity. Requests that carry a token are validated normally.
func DevAuthMiddleware(cfg JWTConfig, dev Identity) echo.MiddlewareFunc {
	strict := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return validated(c)
			}
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), dev)))
			return next(c)
		}
	}
}

// WithIdentity returns ctx carrying ident.
func WithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityKey, ident)
}

// IdentityFromContext returns the caller stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	ident, ok := ctx.Value(identityKey).(Identity)
	return ident, ok
}
