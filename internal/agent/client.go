package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/dispatch/internal/agent/breaker"
	"github.com/gridworks/dispatch/internal/config"
)

// outboundTimeout bounds every call to the coordinator.
const outboundTimeout = 30 * time.Second

// APIError is a non-2xx coordinator response decoded from the error
// envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coordinator returned %d %s: %s", e.Status, e.Code, e.Message)
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	return apiErr
}

// Registration is the subset of the register response the agent acts
// on.
type Registration struct {
	BotID   uuid.UUID `json:"bot_id"`
	Session struct {
		ExpiresInSec         int `json:"expires_in_sec"`
		HeartbeatIntervalSec int `json:"heartbeat_interval_sec"`
	} `json:"session"`
	Assignment struct {
		Operation      *string `json:"operation"`
		MaxConcurrency int     `json:"max_concurrency"`
	} `json:"assignment"`
}

// HeartbeatInterval returns the advertised heartbeat period.
func (r *Registration) HeartbeatInterval() time.Duration {
	return time.Duration(r.Session.HeartbeatIntervalSec) * time.Second
}

// Assignment is one claimed job.
type Assignment struct {
	ID        uuid.UUID `json:"id"`
	A         int64     `json:"a"`
	B         int64     `json:"b"`
	Operation string    `json:"operation"`
}

// BotSummary is one row of the coordinator's bot listing, used by the
// health probes.
type BotSummary struct {
	ID string `json:"id"`
}

// Client is the agent's HTTP client for the coordinator. The four
// remote call classes are each guarded by their own circuit breaker;
// probe reads are not.
type Client struct {
	baseURL       string
	botKey        string
	clientVersion string
	http          *http.Client
	tokens        *tokenSource

	registerBreaker  *breaker.Breaker
	heartbeatBreaker *breaker.Breaker
	claimBreaker     *breaker.Breaker
	reportBreaker    *breaker.Breaker
}

// NewClient creates a coordinator client.
func NewClient(cfg *config.BotConfig, clientVersion string) *Client {
	httpClient := &http.Client{Timeout: outboundTimeout}

	settings := breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Breaker.RecoveryTimeout * float64(time.Second)),
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}

	return &Client{
		baseURL:       cfg.ServerURL,
		botKey:        cfg.BotKey,
		clientVersion: clientVersion,
		http:          httpClient,
		tokens:        newTokenSource(cfg.ServerURL, cfg.BotKey, cfg.BootstrapSecret, clientVersion, httpClient),

		registerBreaker:  breaker.New("register", settings),
		heartbeatBreaker: breaker.New("heartbeat", settings),
		claimBreaker:     breaker.New("claim", settings),
		reportBreaker:    breaker.New("report", settings),
	}
}

// Close releases idle connections in the pool.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// BreakerStates reports the current breaker positions for logging.
func (c *Client) BreakerStates() map[string]breaker.State {
	return map[string]breaker.State{
		"register":  c.registerBreaker.State(),
		"heartbeat": c.heartbeatBreaker.State(),
		"claim":     c.claimBreaker.State(),
		"report":    c.reportBreaker.State(),
	}
}

// guarded runs call under the breaker, recording the outcome.
func guarded(b *breaker.Breaker, call func() error) error {
	if err := b.Allow(); err != nil {
		return fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := call(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

// registerRequest mirrors the coordinator's registration contract.
type registerRequest struct {
	BotKey       string `json:"bot_key"`
	InstanceID   string `json:"instance_id,omitempty"`
	Agent        struct {
		Version  string `json:"version,omitempty"`
		Platform string `json:"platform,omitempty"`
	} `json:"agent"`
	Capabilities struct {
		Operations     []string `json:"operations,omitempty"`
		MaxConcurrency int      `json:"max_concurrency,omitempty"`
	} `json:"capabilities"`
}

// Register opens a worker session. The call is authenticated and
// idempotent; a 401 invalidates the cached token and retries once.
func (c *Client) Register(ctx context.Context, instanceID string, operations []string) (*Registration, error) {
	req := registerRequest{BotKey: c.botKey, InstanceID: instanceID}
	req.Agent.Version = c.clientVersion
	req.Agent.Platform = "go"
	req.Capabilities.Operations = operations
	req.Capabilities.MaxConcurrency = 1

	var out Registration
	err := guarded(c.registerBreaker, func() error {
		return c.postAuthenticated(ctx, "/v1/bots/register", req, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// postAuthenticated sends an authenticated idempotent POST, retrying
// exactly once with a fresh token on 401.
func (c *Client) postAuthenticated(ctx context.Context, path string, body, out any) error {
	idempotencyKey := uuid.NewString()

	err := c.doJSON(ctx, http.MethodPost, path, body, out, func(req *http.Request) error {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", idempotencyKey)
		return nil
	})

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
		c.tokens.Invalidate()
		err = c.doJSON(ctx, http.MethodPost, path, body, out, func(req *http.Request) error {
			token, err := c.tokens.Token(ctx)
			if err != nil {
				return err
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Idempotency-Key", idempotencyKey)
			return nil
		})
	}
	return err
}

// Heartbeat records a liveness ping.
func (c *Client) Heartbeat(ctx context.Context, botID uuid.UUID) error {
	return guarded(c.heartbeatBreaker, func() error {
		return c.doJSON(ctx, http.MethodPost, "/bots/heartbeat",
			map[string]string{"bot_id": botID.String()}, nil, nil)
	})
}

// Claim polls for one job. A nil assignment means the queue is empty.
func (c *Client) Claim(ctx context.Context, botID uuid.UUID) (*Assignment, error) {
	var out Assignment
	claimed := false

	err := guarded(c.claimBreaker, func() error {
		return c.do(ctx, http.MethodPost, "/jobs/claim",
			map[string]string{"bot_id": botID.String()}, nil,
			func(resp *http.Response) error {
				if resp.StatusCode == http.StatusNoContent {
					return nil
				}
				claimed = true
				return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out)
			})
	})
	if err != nil || !claimed {
		return nil, err
	}
	return &out, nil
}

// Start transitions the claimed job to processing.
func (c *Client) Start(ctx context.Context, jobID, botID uuid.UUID) error {
	return guarded(c.reportBreaker, func() error {
		return c.doJSON(ctx, http.MethodPost, "/jobs/"+jobID.String()+"/start",
			map[string]string{"bot_id": botID.String()}, nil, nil)
	})
}

// Complete reports a successful execution.
func (c *Client) Complete(ctx context.Context, jobID, botID uuid.UUID, value int64, duration time.Duration) error {
	return guarded(c.reportBreaker, func() error {
		return c.doJSON(ctx, http.MethodPost, "/jobs/"+jobID.String()+"/complete",
			map[string]any{
				"bot_id":      botID.String(),
				"value":       value,
				"duration_ms": duration.Milliseconds(),
			}, nil, nil)
	})
}

// Fail reports a failed execution.
func (c *Client) Fail(ctx context.Context, jobID, botID uuid.UUID, reason string, duration time.Duration) error {
	return guarded(c.reportBreaker, func() error {
		return c.doJSON(ctx, http.MethodPost, "/jobs/"+jobID.String()+"/fail",
			map[string]any{
				"bot_id":      botID.String(),
				"error":       reason,
				"duration_ms": duration.Milliseconds(),
			}, nil, nil)
	})
}

// BotListed reports whether botID appears in the coordinator's bot
// listing. Probe read, not breaker guarded.
func (c *Client) BotListed(ctx context.Context, botID uuid.UUID) (bool, error) {
	var out struct {
		Bots []BotSummary `json:"bots"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/bots", nil, &out, nil); err != nil {
		return false, err
	}
	for _, b := range out.Bots {
		if b.ID == botID.String() {
			return true, nil
		}
	}
	return false, nil
}

// Healthy checks the coordinator health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

// MetricsOK checks that the metrics endpoint returns the expected
// shape.
func (c *Client) MetricsOK(ctx context.Context) error {
	var out map[string]json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/metrics", nil, &out, nil); err != nil {
		return err
	}
	for _, key := range []string{"jobs", "bots"} {
		if _, ok := out[key]; !ok {
			return fmt.Errorf("metrics response missing %q", key)
		}
	}
	return nil
}

// doJSON sends a request and decodes a 2xx JSON response into out when
// out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any, prepare func(*http.Request) error) error {
	return c.do(ctx, method, path, body, prepare, func(resp *http.Response) error {
		if out == nil {
			return nil
		}
		return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body any, prepare func(*http.Request) error, handle func(*http.Response) error) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientVersion != "" {
		req.Header.Set("X-Client-Version", c.clientVersion)
	}
	if prepare != nil {
		if err := prepare(req); err != nil {
			return err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if handle != nil {
		return handle(resp)
	}
	return nil
}
