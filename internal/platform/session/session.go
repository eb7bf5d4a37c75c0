// Package session holds the authenticated session the API client works on
// behalf of. Callers hand the client an Accessor instead of the client
// reaching into shared storage, so tests can inject a fake session.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Role is the caller's role within the care team.
type Role string

const (
	RolePatient   Role = "patient"
	RoleCaregiver Role = "caregiver"
	RoleDoctor    Role = "doctor"
)

// ErrNoSession is returned by an Accessor when nobody is signed in.
var ErrNoSession = errors.New("no active session")

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RolePatient, RoleCaregiver, RoleDoctor:
		return r, nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// ManagesFollowUps reports whether the role may create, complete or cancel
// follow-ups and trigger scans.
func (r Role) ManagesFollowUps() bool {
	return r == RoleCaregiver || r == RoleDoctor
}

// Session is an opaque access token pair plus the identity hints decoded
// from the access token.
type Session struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	Role         Role
}

// Accessor returns the current session. It is called before every request.
type Accessor func(ctx context.Context) (*Session, error)

// Refresher exchanges the session's refresh token for a new access token.
// An empty token with a nil error means the session cannot be refreshed.
type Refresher func(ctx context.Context, s *Session) (string, error)

// Claims is the subset of the access token the client reads.
type Claims struct {
	jwt.RegisteredClaims
	UserID string   `json:"user_id,omitempty"`
	Role   string   `json:"role,omitempty"`
	Roles  []string `json:"roles,omitempty"`
}

// FromTokens builds a Session and decodes identity hints from the access
// token. The signature is not verified: the backend does that, the client
// only needs to know which view to render.
func FromTokens(access, refresh string) (*Session, error) {
	s := &Session{AccessToken: access, RefreshToken: refresh}
	if access == "" {
		return nil, ErrNoSession
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}

	s.UserID = claims.UserID
	if s.UserID == "" {
		s.UserID = claims.Subject
	}

	candidates := append([]string{claims.Role}, claims.Roles...)
	for _, c := range candidates {
		if r, err := ParseRole(c); err == nil {
			s.Role = r
			break
		}
	}
	return s, nil
}

// Store keeps the current session in memory and is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	current *Session
}

// NewStore returns a store holding s, which may be nil.
func NewStore(s *Session) *Store {
	return &Store{current: s}
}

// Current implements Accessor.
func (st *Store) Current(_ context.Context) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.current == nil {
		return nil, ErrNoSession
	}
	cp := *st.current
	return &cp, nil
}

// SetAccessToken replaces the access token after a refresh.
func (st *Store) SetAccessToken(token string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current == nil {
		st.current = &Session{}
	}
	st.current.AccessToken = token
}

// Clear signs the session out.
func (st *Store) Clear() {
	st.mu.Lock()
	st.current = nil
	st.mu.Unlock()
}
