package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gridworks/dispatch/internal/infrastructure/http/response"
)

// clientVersionHeader carries the agent's version for the minimum
// version gate on token issuance.
const clientVersionHeader = "X-Client-Version"

type tokenRequest struct {
	BotKey          string `json:"bot_key"`
	BootstrapSecret string `json:"bootstrap_secret"`
}

// IssueToken exchanges bot credentials for a short-lived bearer token.
// POST /v1/auth/token
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON")
		return
	}

	envelope, err := h.auth.IssueToken(r.Context(), req.BotKey, req.BootstrapSecret, r.Header.Get(clientVersionHeader))
	if err != nil {
		// The failure detail is never logged with the secret; the
		// service already logged what is safe to log.
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "token issued", "bot_key", req.BotKey)
	response.OK(w, envelope)
}

// JWKS serves the public verification keys.
// GET /v1/auth/.well-known/jwks
func (h *Handler) JWKS(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, h.auth.JWKS())
}
