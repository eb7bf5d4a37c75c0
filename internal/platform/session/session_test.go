package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestParseRole(t *testing.T) {
	for _, in := range []string{"patient", "Caregiver", " doctor "} {
		if _, err := ParseRole(in); err != nil {
			t.Errorf("ParseRole(%q) unexpected error: %v", in, err)
		}
	}
	if _, err := ParseRole("admin"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestRole_ManagesFollowUps(t *testing.T) {
	if RolePatient.ManagesFollowUps() {
		t.Error("patients must not manage follow-ups")
	}
	if !RoleCaregiver.ManagesFollowUps() || !RoleDoctor.ManagesFollowUps() {
		t.Error("caregivers and doctors manage follow-ups")
	}
}

func TestFromTokens_DecodesIdentity(t *testing.T) {
	access := signedToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42"},
		Roles:            []string{"admin", "caregiver"},
	})
	s, err := FromTokens(access, "refresh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.UserID != "user-42" {
		t.Errorf("expected subject as user id, got %q", s.UserID)
	}
	if s.Role != RoleCaregiver {
		t.Errorf("expected caregiver role, got %q", s.Role)
	}
}

func TestFromTokens_UserIDClaimWins(t *testing.T) {
	access := signedToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "sub"},
		UserID:           "explicit",
		Role:             "patient",
	})
	s, err := FromTokens(access, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.UserID != "explicit" || s.Role != RolePatient {
		t.Errorf("unexpected session: %+v", s)
	}
}

func TestFromTokens_Empty(t *testing.T) {
	if _, err := FromTokens("", ""); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestStore_CurrentReturnsCopy(t *testing.T) {
	st := NewStore(&Session{AccessToken: "a"})
	s, _ := st.Current(context.Background())
	s.AccessToken = "mutated"
	again, _ := st.Current(context.Background())
	if again.AccessToken != "a" {
		t.Errorf("store leaked internal state: %q", again.AccessToken)
	}

	st.Clear()
	if _, err := st.Current(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession after Clear, got %v", err)
	}
}

func TestTokenRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Refresh != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(refreshResponse{Access: "fresh"})
	}))
	defer srv.Close()

	st := NewStore(&Session{AccessToken: "stale", RefreshToken: "good"})
	refresh := TokenRefresher(st, srv.Client(), srv.URL)

	cur, _ := st.Current(context.Background())
	tok, err := refresh(context.Background(), cur)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "fresh" {
		t.Errorf("expected fresh token, got %q", tok)
	}
	cur, _ = st.Current(context.Background())
	if cur.AccessToken != "fresh" {
		t.Errorf("store not updated, got %q", cur.AccessToken)
	}

	tok, err = refresh(context.Background(), &Session{RefreshToken: "bad"})
	if err != nil || tok != "" {
		t.Errorf("rejected refresh should yield empty token, got %q, %v", tok, err)
	}
}
