package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/medtrack/internal/platform/session"
)

func staticSession(token string) session.Accessor {
	return func(context.Context) (*session.Session, error) {
		return &session.Session{AccessToken: token, RefreshToken: "r"}, nil
	}
}

func newTestClient(t *testing.T, srv *httptest.Server, refresh session.Refresher) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:    srv.URL + "/api",
		Session:    staticSession("tok"),
		Refresh:    refresh,
		Logger:     zerolog.Nop(),
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Session: staticSession("x")}); err == nil {
		t.Error("expected error for missing base URL")
	}
	if _, err := New(Config{BaseURL: "http://x"}); err == nil {
		t.Error("expected error for missing session accessor")
	}
}

func TestDo_SendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		if r.URL.Path != "/api/medications/" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("patient") != "p1" {
			t.Errorf("missing patient query, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"Aspirin"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, nil)
	var out struct {
		Name string `json:"name"`
	}
	err := c.Get(context.Background(), "get", "/medications/", url.Values{"patient": {"p1"}}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Name != "Aspirin" {
		t.Errorf("expected Aspirin, got %q", out.Name)
	}
}

func TestDo_RefreshesOnceOn401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	refresh := func(context.Context, *session.Session) (string, error) { return "fresh", nil }
	c := newTestClient(t, srv, refresh)
	if err := c.Post(context.Background(), "post", "/x/", map[string]int{"a": 1}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("expected 2 calls, got %d", n)
	}
}

func TestDo_RejectedRefreshSurfaces401(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"Token expired"}`))
	}))
	defer srv.Close()

	refresh := func(context.Context, *session.Session) (string, error) { return "", nil }
	c := newTestClient(t, srv, refresh)
	err := c.Get(context.Background(), "get", "/x/", nil, nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Token expired" {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("expected a single call, got %d", n)
	}
}

func TestDo_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		target  error
		message string
	}{
		{"conflict", http.StatusConflict, `{"detail":"Follow-up is already completed."}`, ErrConflict, "Follow-up is already completed."},
		{"detail", http.StatusBadRequest, `{"detail":"bad"}`, ErrAPI, "bad"},
		{"field errors", http.StatusBadRequest, `{"doses_taken":["must be positive"]}`, ErrAPI, "doses_taken: must be positive"},
		{"several field errors", http.StatusBadRequest, `{"reason":["not a valid choice"],"medication":["required"],"notes":["too long"]}`, ErrAPI, "medication: required"},
		{"plain text", http.StatusForbidden, `nope`, ErrAPI, "nope"},
		{"empty body", http.StatusNotFound, ``, ErrAPI, "Not Found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := newTestClient(t, srv, nil).Get(context.Background(), "op", "/x/", nil, nil)
			if !errors.Is(err, tt.target) {
				t.Fatalf("expected %v, got %v", tt.target, err)
			}
			var apiErr *APIError
			var conflict *ConflictError
			switch {
			case errors.As(err, &apiErr):
				if apiErr.Message != tt.message {
					t.Errorf("expected message %q, got %q", tt.message, apiErr.Message)
				}
			case errors.As(err, &conflict):
				if conflict.Message != tt.message {
					t.Errorf("expected message %q, got %q", tt.message, conflict.Message)
				}
			}
		})
	}
}

func TestExtractMessage_FieldErrorsStable(t *testing.T) {
	body := []byte(`{"total_quantity":["must be zero or more"],"name":["required"],"dosage":["too long"],"frequency":["unknown"]}`)
	for i := 0; i < 20; i++ {
		if got := extractMessage(body); got != "dosage: too long" {
			t.Fatalf("run %d: expected the first field by name, got %q", i, got)
		}
	}
}

func TestDo_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := newTestClient(t, srv, nil)
	srv.Close()

	err := c.Get(context.Background(), "op", "/x/", nil, nil)
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestDo_NoSession(t *testing.T) {
	c, err := New(Config{
		BaseURL: "http://unused",
		Session: func(context.Context) (*session.Session, error) { return nil, session.ErrNoSession },
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = c.Get(context.Background(), "op", "/x/", nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("expected 401 APIError, got %v", err)
	}
}

func TestList_AcceptsBothShapes(t *testing.T) {
	bodies := []string{`[{"id":"a"},{"id":"b"}]`, `{"count":2,"results":[{"id":"a"},{"id":"b"}]}`}
	for _, body := range bodies {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		items, err := List[struct {
			ID string `json:"id"`
		}](context.Background(), newTestClient(t, srv, nil), "list", "/x/", nil)
		srv.Close()
		if err != nil {
			t.Fatalf("unexpected error for %s: %v", body, err)
		}
		if len(items) != 2 || items[1].ID != "b" {
			t.Errorf("unexpected items for %s: %+v", body, items)
		}
	}
}

func TestDo_RateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c, err := New(Config{
		BaseURL:    srv.URL,
		Session:    staticSession("tok"),
		RPS:        0.001,
		Burst:      1,
		Logger:     zerolog.Nop(),
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Get(context.Background(), "op", "/x/", nil, nil); err != nil {
		t.Fatalf("first request should use the burst: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Get(ctx, "op", "/x/", nil, nil); !errors.Is(err, ErrNetwork) {
		t.Errorf("expected network error once the limiter is exhausted, got %v", err)
	}
}
