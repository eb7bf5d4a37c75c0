// Package apiclient is the authenticated HTTP transport shared by the
// domain clients. It injects the bearer token, retries once after a token
// refresh, and maps failures to NetworkError, APIError and ConflictError.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/medtrack/internal/platform/metrics"
	"github.com/ehr/medtrack/internal/platform/session"
	"github.com/ehr/medtrack/pkg/pagination"
)

const maxErrorBody = 64 << 10

// Config holds the transport settings.
type Config struct {
	BaseURL string
	Timeout time.Duration

	// RPS caps outgoing requests per second. Zero disables the limiter.
	RPS   float64
	Burst int

	Session    session.Accessor
	Refresh    session.Refresher
	Logger     zerolog.Logger
	HTTPClient *http.Client
}

// Client issues JSON requests against the backend.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	session session.Accessor
	refresh session.Refresher
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("apiclient: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("apiclient: parse base URL: %w", err)
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("apiclient: session accessor is required")
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL: base,
		http:    hc,
		session: cfg.Session,
		refresh: cfg.Refresh,
		logger:  cfg.Logger.With().Str("component", "apiclient").Logger(),
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return c, nil
}

// Request describes one backend call. Op names the operation for logs and
// metrics.
type Request struct {
	Op     string
	Method string
	Path   string
	Query  url.Values
	Body   interface{}
}

// Do sends req and decodes a successful JSON response into out, which may be
// nil. A 401 triggers one token refresh and one retry.
func (c *Client) Do(ctx context.Context, req Request, out interface{}) error {
	raw, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{Status: http.StatusOK, Message: fmt.Sprintf("decode %s response: %v", req.Op, err)}
	}
	return nil
}

// List sends a GET and decodes a list response that is either a bare array or
// a {"results": [...]} envelope.
func List[T any](ctx context.Context, c *Client, op, path string, query url.Values) ([]T, error) {
	raw, err := c.send(ctx, Request{Op: op, Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return nil, err
	}
	items, err := pagination.DecodeList[T](raw)
	if err != nil {
		return nil, &APIError{Status: http.StatusOK, Message: fmt.Sprintf("decode %s response: %v", op, err)}
	}
	return items, nil
}

// Get is shorthand for a GET Do.
func (c *Client) Get(ctx context.Context, op, path string, query url.Values, out interface{}) error {
	return c.Do(ctx, Request{Op: op, Method: http.MethodGet, Path: path, Query: query}, out)
}

// Post is shorthand for a POST Do.
func (c *Client) Post(ctx context.Context, op, path string, body, out interface{}) error {
	return c.Do(ctx, Request{Op: op, Method: http.MethodPost, Path: path, Body: body}, out)
}

func (c *Client) send(ctx context.Context, req Request) ([]byte, error) {
	start := time.Now()
	raw, err := c.sendWithRefresh(ctx, req)
	outcome := outcomeOf(err)
	metrics.ObserveClientRequest(req.Op, outcome, time.Since(start))

	ev := c.logger.Debug()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	ev.Str("op", req.Op).
		Str("method", req.Method).
		Str("path", req.Path).
		Str("outcome", outcome).
		Dur("latency", time.Since(start)).
		Msg("backend request")
	return raw, err
}

func (c *Client) sendWithRefresh(ctx context.Context, req Request) ([]byte, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, &APIError{Status: http.StatusUnauthorized, Message: err.Error()}
	}

	var payload []byte
	if req.Body != nil {
		payload, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", req.Op, err)
		}
	}

	status, raw, err := c.roundTrip(ctx, req, payload, s.AccessToken)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && c.refresh != nil {
		token, rerr := c.refresh(ctx, s)
		if rerr != nil {
			c.logger.Warn().Err(rerr).Str("op", req.Op).Msg("token refresh failed")
		}
		if token != "" {
			status, raw, err = c.roundTrip(ctx, req, payload, token)
			if err != nil {
				return nil, err
			}
		}
	}

	if status < 200 || status > 299 {
		return nil, errorFromResponse(status, raw)
	}
	return raw, nil
}

func (c *Client) roundTrip(ctx context.Context, req Request, payload []byte, token string) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, &NetworkError{Op: req.Op, Err: err}
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.resolve(req.Path, req.Query), body)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", req.Op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, &NetworkError{Op: req.Op, Err: err}
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reader = io.LimitReader(resp.Body, maxErrorBody)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return 0, nil, &NetworkError{Op: req.Op, Err: err}
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) resolve(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrAPI):
		return "api"
	default:
		return "error"
	}
}
