package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/dispatch/internal/config"
)

func newClientForServer(srv *httptest.Server) *Client {
	cfg := &config.BotConfig{
		BotKey:          "worker-1",
		BootstrapSecret: "secret",
		ServerURL:       srv.URL,
	}
	return NewClient(cfg, "1.0.0")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestTokenSourceCachesUntilSkew(t *testing.T) {
	var issued atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/auth/token", r.URL.Path)
		issued.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"access_token": "token-1",
			"token_type":   "Bearer",
			"expires_in":   900,
		})
	}))
	defer srv.Close()

	client := newClientForServer(srv)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	client.tokens.now = func() time.Time { return now }

	token, err := client.tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	// Well inside the validity window: served from cache.
	now = now.Add(10 * time.Minute)
	_, err = client.tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), issued.Load())

	// Within the refresh skew of expiry: refreshed.
	now = now.Add(4*time.Minute + 30*time.Second)
	_, err = client.tokens.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), issued.Load())
}

func TestRegisterRetriesOnceOnUnauthorized(t *testing.T) {
	var tokens atomic.Int32
	var registers atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/auth/token":
			n := tokens.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token": "token-" + string(rune('0'+n)),
				"expires_in":   900,
			})
		case "/v1/bots/register":
			// First token is treated as stale.
			if registers.Add(1) == 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]string{"code": "AUTH", "message": "invalid token"},
				})
				return
			}
			assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
			writeJSON(w, http.StatusCreated, map[string]any{
				"bot_id": uuid.NewString(),
				"session": map[string]int{
					"expires_in_sec":         900,
					"heartbeat_interval_sec": 30,
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := newClientForServer(srv)
	reg, err := client.Register(context.Background(), "host-1", []string{"sum"})

	require.NoError(t, err)
	assert.Equal(t, int32(2), registers.Load())
	assert.Equal(t, int32(2), tokens.Load())
	assert.Equal(t, 30*time.Second, reg.HeartbeatInterval())
}

func TestClaimEmptyQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newClientForServer(srv)
	assignment, err := client.Claim(context.Background(), uuid.New())

	require.NoError(t, err)
	assert.Nil(t, assignment)
}

func TestClaimReturnsAssignment(t *testing.T) {
	jobID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jobs/claim", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"id": jobID.String(), "a": 6, "b": 7, "operation": "multiply",
		})
	}))
	defer srv.Close()

	client := newClientForServer(srv)
	assignment, err := client.Claim(context.Background(), uuid.New())

	require.NoError(t, err)
	require.NotNil(t, assignment)
	assert.Equal(t, jobID, assignment.ID)
	assert.Equal(t, "multiply", assignment.Operation)
}

func TestClaimBreakerOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": map[string]string{"code": "UNAVAILABLE", "message": "down"},
		})
	}))
	defer srv.Close()

	cfg := &config.BotConfig{
		BotKey:          "worker-1",
		BootstrapSecret: "secret",
		ServerURL:       srv.URL,
		Breaker:         config.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: 60, HalfOpenMaxCalls: 1},
	}
	client := NewClient(cfg, "1.0.0")
	botID := uuid.New()

	var apiErr *APIError
	_, err := client.Claim(context.Background(), botID)
	require.ErrorAs(t, err, &apiErr)
	_, err = client.Claim(context.Background(), botID)
	require.Error(t, err)

	// Threshold reached; next call is rejected locally.
	_, err = client.Claim(context.Background(), botID)
	assert.ErrorContains(t, err, "circuit breaker open")
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": map[string]string{"code": "CONFLICT", "message": "bot is busy"},
		})
	}))
	defer srv.Close()

	client := newClientForServer(srv)
	err := client.Start(context.Background(), uuid.New(), uuid.New())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "CONFLICT", apiErr.Code)
	assert.Equal(t, "bot is busy", apiErr.Message)
}

func TestProbesAgainstCoordinator(t *testing.T) {
	botID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bots":
			writeJSON(w, http.StatusOK, map[string]any{
				"bots": []map[string]string{{"id": botID.String()}},
			})
		case "/healthz":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		case "/metrics":
			writeJSON(w, http.StatusOK, map[string]any{
				"jobs": map[string]int{}, "bots": map[string]int{},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := newClientForServer(srv)

	listed, err := client.BotListed(context.Background(), botID)
	require.NoError(t, err)
	assert.True(t, listed)

	listed, err = client.BotListed(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.False(t, listed)

	assert.NoError(t, client.Healthy(context.Background()))
	assert.NoError(t, client.MetricsOK(context.Background()))
}

func TestMetricsProbeRejectsWrongShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": map[string]int{}})
	}))
	defer srv.Close()

	client := newClientForServer(srv)
	assert.ErrorContains(t, client.MetricsOK(context.Background()), `missing "bots"`)
}
