// Package bot implements worker registration with idempotency replay,
// heartbeats and the operator-facing bot management operations.
package bot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/dispatch/internal/domain"
	"github.com/gridworks/dispatch/internal/operations"
)

// Config holds registration policy handed to connecting bots.
type Config struct {
	// TokenTTL bounds the session block; the advertised heartbeat
	// interval never exceeds a third of it.
	TokenTTL time.Duration

	// HeartbeatInterval is the recommended heartbeat period.
	HeartbeatInterval time.Duration

	// Region and Version describe this coordinator in the register
	// response.
	Region  string
	Version string
}

// Service implements bot lifecycle operations.
type Service struct {
	repo Repository
	cfg  Config
}

// NewService creates a bot service.
func NewService(repo Repository, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Service{repo: repo, cfg: cfg}
}

// RegisterParams is the parsed registration request. RawBody is the
// exact request payload, hashed for idempotency conflict detection.
type RegisterParams struct {
	BotKey         string
	TokenBotKey    string
	InstanceID     string
	AgentVersion   string
	AgentPlatform  string
	Operations     []string
	MaxConcurrency int
	IdempotencyKey string
	RawBody        []byte
}

// RegisterResponse is the registration contract returned to bots.
type RegisterResponse struct {
	BotID        uuid.UUID `json:"bot_id"`
	RegisteredAt time.Time `json:"registered_at"`
	Session      struct {
		SessionID            uuid.UUID `json:"session_id"`
		ExpiresInSec         int       `json:"expires_in_sec"`
		HeartbeatIntervalSec int       `json:"heartbeat_interval_sec"`
	} `json:"session"`
	Assignment struct {
		Operation      *string `json:"operation"`
		Queue          string  `json:"queue"`
		MaxConcurrency int     `json:"max_concurrency"`
	} `json:"assignment"`
	Policy struct {
		RateLimits struct {
			ClaimsPerMinute int `json:"claims_per_minute"`
		} `json:"rate_limits"`
		Backoff struct {
			BaseMS int     `json:"base_ms"`
			MaxMS  int     `json:"max_ms"`
			Factor float64 `json:"factor"`
		} `json:"backoff"`
	} `json:"policy"`
	Endpoints struct {
		Heartbeat string `json:"heartbeat"`
		Claim     string `json:"claim"`
		Report    string `json:"report"`
	} `json:"endpoints"`
	Server struct {
		Region  string `json:"region"`
		Version string `json:"version"`
	} `json:"server"`
}

// RegisterOutcome carries the response body and whether it was served
// from the idempotency cache.
type RegisterOutcome struct {
	Body     []byte
	Replayed bool
}

// Register creates a worker row and session envelope, or replays the
// cached response when the idempotency key has been seen before.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*RegisterOutcome, error) {
	if params.BotKey == "" {
		return nil, fmt.Errorf("%w: bot_key required", domain.ErrInvalidInput)
	}
	if params.TokenBotKey != params.BotKey {
		return nil, fmt.Errorf("%w: token subject does not match bot_key", domain.ErrForbidden)
	}
	key, err := uuid.Parse(params.IdempotencyKey)
	if err != nil || key.Version() != 4 {
		return nil, fmt.Errorf("%w: Idempotency-Key must be a UUIDv4", domain.ErrInvalidInput)
	}

	sum := sha256.Sum256(params.RawBody)
	requestHash := hex.EncodeToString(sum[:])

	cached, err := s.repo.GetIdempotencyRecord(ctx, key.String(), params.BotKey)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		if cached.RequestHash != requestHash {
			return nil, fmt.Errorf("%w: key %s", domain.ErrIdempotencyMismatch, key)
		}
		slog.InfoContext(ctx, "registration replayed",
			"bot_key", params.BotKey,
			"idempotency_key", key)
		return &RegisterOutcome{Body: cached.ResponseBody, Replayed: true}, nil
	}

	now := time.Now().UTC()
	b := domain.Bot{
		ID:              uuid.New(),
		BotKey:          params.BotKey,
		Status:          domain.BotStatusIdle,
		Health:          domain.BotHealthNormal,
		LastHeartbeatAt: now,
		CreatedAt:       now,
	}
	body, err := json.Marshal(s.buildResponse(b, now))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal register response: %w", err)
	}

	existing, err := s.repo.RegisterBot(ctx, b, IdempotencyRecord{
		Key:          key.String(),
		BotKey:       params.BotKey,
		RequestHash:  requestHash,
		ResponseBody: body,
		CreatedAt:    now,
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// A concurrent registration with the same key won the insert;
		// its cached body is the canonical response.
		if existing.RequestHash != requestHash {
			return nil, fmt.Errorf("%w: key %s", domain.ErrIdempotencyMismatch, key)
		}
		slog.InfoContext(ctx, "registration replayed",
			"bot_key", params.BotKey,
			"idempotency_key", key)
		return &RegisterOutcome{Body: existing.ResponseBody, Replayed: true}, nil
	}

	slog.InfoContext(ctx, "bot registered",
		"bot_id", b.ID,
		"bot_key", params.BotKey,
		"instance_id", params.InstanceID,
		"agent_version", params.AgentVersion)

	return &RegisterOutcome{Body: body}, nil
}

func (s *Service) buildResponse(b domain.Bot, now time.Time) RegisterResponse {
	resp := RegisterResponse{
		BotID:        b.ID,
		RegisteredAt: now,
	}

	expiresIn := int(s.cfg.TokenTTL.Seconds())
	heartbeat := int(s.cfg.HeartbeatInterval.Seconds())
	if heartbeat > expiresIn/3 {
		heartbeat = expiresIn / 3
	}
	resp.Session.SessionID = uuid.New()
	resp.Session.ExpiresInSec = expiresIn
	resp.Session.HeartbeatIntervalSec = heartbeat

	resp.Assignment.Operation = b.AssignedOperation
	resp.Assignment.Queue = "default"
	resp.Assignment.MaxConcurrency = 1

	resp.Policy.RateLimits.ClaimsPerMinute = 120
	resp.Policy.Backoff.BaseMS = 1000
	resp.Policy.Backoff.MaxMS = 60000
	resp.Policy.Backoff.Factor = 2.0

	resp.Endpoints.Heartbeat = "/bots/heartbeat"
	resp.Endpoints.Claim = "/jobs/claim"
	resp.Endpoints.Report = "/jobs/{id}"

	resp.Server.Region = s.cfg.Region
	resp.Server.Version = s.cfg.Version

	return resp
}

// Heartbeat records a liveness ping.
func (s *Service) Heartbeat(ctx context.Context, botID uuid.UUID) error {
	return s.repo.RecordHeartbeat(ctx, botID)
}

// Get returns one bot, including soft-deleted rows.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Bot, error) {
	return s.repo.FindBotByID(ctx, id)
}

// List returns the bot fleet.
func (s *Service) List(ctx context.Context, includeDeleted bool) ([]domain.Bot, error) {
	return s.repo.ListBots(ctx, includeDeleted)
}

// Stats aggregates one bot's processing history.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*Stats, error) {
	return s.repo.BotStats(ctx, id)
}

// Delete soft-deletes a bot; its processing job is terminally failed
// and a claimed job is returned to the queue.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.SoftDeleteBot(ctx, id, "Bot terminated")
}

// Reset force-idles a bot, releasing any held job back to pending.
func (s *Service) Reset(ctx context.Context, id uuid.UUID) error {
	return s.repo.ResetBot(ctx, id)
}

// ResetAll force-idles every live bot and returns how many were reset.
// A failure on one bot does not stop the sweep.
func (s *Service) ResetAll(ctx context.Context) (int, error) {
	bots, err := s.repo.ListBots(ctx, false)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, b := range bots {
		if err := s.repo.ResetBot(ctx, b.ID); err != nil {
			slog.ErrorContext(ctx, "failed to reset bot", "bot_id", b.ID, "error", err)
			continue
		}
		reset++
	}
	return reset, nil
}

// AssignOperation restricts the bot to one operation; nil clears the
// restriction.
func (s *Service) AssignOperation(ctx context.Context, id uuid.UUID, operation *string) error {
	if operation != nil && !operations.IsKnown(*operation) {
		return fmt.Errorf("%w: %q", domain.ErrUnknownOperation, *operation)
	}
	return s.repo.AssignOperation(ctx, id, operation)
}
