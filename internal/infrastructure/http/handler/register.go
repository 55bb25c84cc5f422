package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gridworks/dispatch/internal/application/bot"
	mw "github.com/gridworks/dispatch/internal/infrastructure/http/middleware"
	"github.com/gridworks/dispatch/internal/infrastructure/http/response"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyReplayed  = "Idempotency-Replayed"
)

type registerRequest struct {
	BotKey     string `json:"bot_key"`
	InstanceID string `json:"instance_id"`
	Agent      struct {
		Version  string `json:"version"`
		Platform string `json:"platform"`
	} `json:"agent"`
	Capabilities struct {
		Operations     []string `json:"operations"`
		MaxConcurrency int      `json:"max_concurrency"`
	} `json:"capabilities"`
}

// Register opens a worker session. Replays of a previously seen
// Idempotency-Key return the cached body verbatim.
// POST /v1/bots/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	claims := mw.ClaimsFromContext(r.Context())
	if claims == nil {
		response.Unauthorized(w, "missing session")
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		response.BadRequest(w, "failed to read request body")
		return
	}

	var req registerRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		response.BadRequest(w, "invalid JSON")
		return
	}

	outcome, err := h.bots.Register(r.Context(), bot.RegisterParams{
		BotKey:         req.BotKey,
		TokenBotKey:    claims.BotKey,
		InstanceID:     req.InstanceID,
		AgentVersion:   req.Agent.Version,
		AgentPlatform:  req.Agent.Platform,
		Operations:     req.Capabilities.Operations,
		MaxConcurrency: req.Capabilities.MaxConcurrency,
		IdempotencyKey: r.Header.Get(idempotencyKeyHeader),
		RawBody:        raw,
	})
	if err != nil {
		slog.WarnContext(r.Context(), "registration rejected",
			"bot_key", req.BotKey,
			"error", err)
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "bot registered",
		"bot_key", req.BotKey,
		"replayed", outcome.Replayed)

	if outcome.Replayed {
		w.Header().Set(idempotencyReplayed, "true")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(outcome.Body)
}
