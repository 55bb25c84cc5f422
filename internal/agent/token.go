package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// refreshSkew is subtracted from the token expiry; a token within the
// skew of expiring is refreshed before use.
const refreshSkew = 60 * time.Second

// tokenSource exchanges the bootstrap secret for session tokens and
// caches the result until shortly before expiry.
type tokenSource struct {
	baseURL       string
	botKey        string
	secret        string
	clientVersion string
	http          *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	now func() time.Time
}

func newTokenSource(baseURL, botKey, secret, clientVersion string, httpClient *http.Client) *tokenSource {
	return &tokenSource{
		baseURL:       baseURL,
		botKey:        botKey,
		secret:        secret,
		clientVersion: clientVersion,
		http:          httpClient,
		now:           time.Now,
	}
}

// Token returns a valid bearer token, refreshing when the cached one is
// within refreshSkew of expiry.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Before(t.expiresAt.Add(-refreshSkew)) {
		return t.token, nil
	}
	return t.refresh(ctx)
}

// Invalidate drops the cached token so the next call refreshes.
func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
}

// refresh fetches a new token. Caller holds the lock.
func (t *tokenSource) refresh(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"bot_key":          t.botKey,
		"bootstrap_secret": t.secret,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.baseURL+"/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.clientVersion != "" {
		req.Header.Set("X-Client-Version", t.clientVersion)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeAPIError(resp)
	}

	var envelope struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}

	t.token = envelope.AccessToken
	t.expiresAt = t.now().Add(time.Duration(envelope.ExpiresIn) * time.Second)

	slog.InfoContext(ctx, "session token refreshed",
		"bot_key", t.botKey,
		"expires_in_sec", envelope.ExpiresIn)
	return t.token, nil
}
