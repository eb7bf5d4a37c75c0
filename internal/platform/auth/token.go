package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Issuer signs access and refresh tokens with an HMAC key.
type Issuer struct {
	cfg        JWTConfig
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewIssuer returns an Issuer using cfg's key and issuer name.
func NewIssuer(cfg JWTConfig) (*Issuer, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("signing key is required")
	}
	return &Issuer{cfg: cfg, accessTTL: DefaultAccessTTL, refreshTTL: DefaultRefreshTTL, now: time.Now}, nil
}

// WithTTL overrides the token lifetimes.
func (is *Issuer) WithTTL(access, refresh time.Duration) *Issuer {
	is.accessTTL = access
	is.refreshTTL = refresh
	return is
}

func (is *Issuer) sign(ident Identity, kind string, ttl time.Duration) (string, error) {
	now := is.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    is.cfg.Issuer,
			Subject:   ident.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:    ident.UserID.String(),
		Role:      string(ident.Role),
		Name:      ident.Name,
		TokenType: kind,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(is.cfg.SigningKey)
}

// Access issues an access token for ident.
func (is *Issuer) Access(ident Identity) (string, error) {
	return is.sign(ident, TokenAccess, is.accessTTL)
}

// Pair issues an access and a refresh token for ident.
func (is *Issuer) Pair(ident Identity) (access, refresh string, err error) {
	if access, err = is.sign(ident, TokenAccess, is.accessTTL); err != nil {
		return "", "", err
	}
	if refresh, err = is.sign(ident, TokenRefresh, is.refreshTTL); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// RefreshHandler exchanges {"refresh": ...} for {"access": ...}.
func (is *Issuer) RefreshHandler(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil || req.Refresh == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "refresh is required")
	}
	claims, err := is.cfg.parse(req.Refresh)
	if err != nil || claims.TokenType != TokenRefresh {
		return echo.NewHTTPError(http.StatusUnauthorized, "Token is invalid or expired")
	}
	ident, err := identityFromClaims(claims)
	if err != nil {
		return err
	}
	access, err := is.Access(ident)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "issue token")
	}
	return c.JSON(http.StatusOK, map[string]string{"access": access})
}
