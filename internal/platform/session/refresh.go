package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access string `json:"access"`
}

// TokenRefresher returns a Refresher that posts the refresh token to
// refreshURL and stores the new access token in st. A rejected refresh
// yields an empty token so the caller surfaces the original 401.
func TokenRefresher(st *Store, client *http.Client, refreshURL string) Refresher {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, s *Session) (string, error) {
		if s == nil || s.RefreshToken == "" {
			return "", nil
		}

		body, err := json.Marshal(refreshRequest{Refresh: s.RefreshToken})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("build refresh request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("refresh token: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", nil
		}

		var out refreshResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode refresh response: %w", err)
		}
		if out.Access != "" {
			st.SetAccessToken(out.Access)
		}
		return out.Access, nil
	}
}
