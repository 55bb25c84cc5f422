package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gridworks/dispatch/internal/infrastructure/http/response"
)

// Heartbeat records a liveness ping.
// POST /bots/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	botID, ok := decodeBotRef(w, r)
	if !ok {
		return
	}

	if err := h.bots.Heartbeat(r.Context(), botID); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]string{"status": "ok"})
}

// ListBots returns the fleet. include_deleted=true includes
// soft-deleted rows.
// GET /bots
func (h *Handler) ListBots(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"

	bots, err := h.bots.List(r.Context(), includeDeleted)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{
		"bots":  MapBotsToDTO(bots, time.Now().UTC()),
		"total": len(bots),
	})
}

// GetBot returns one bot.
// GET /bots/{id}
func (h *Handler) GetBot(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.ValidationError(w, "id", "invalid ID format")
		return
	}

	b, err := h.bots.Get(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, MapBotToDTO(*b, time.Now().UTC()))
}

// BotStats returns processing totals, hourly buckets and recent
// results for one bot.
// GET /bots/{id}/stats
func (h *Handler) BotStats(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.ValidationError(w, "id", "invalid ID format")
		return
	}

	stats, err := h.bots.Stats(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, stats)
}

// DeleteBot soft-deletes a worker, failing its processing job and
// releasing a claimed one.
// DELETE /bots/{id}
func (h *Handler) DeleteBot(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.ValidationError(w, "id", "invalid ID format")
		return
	}

	if err := h.bots.Delete(r.Context(), id); err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "bot soft-deleted via HTTP", "bot_id", id)
	response.NoContent(w)
}

// ResetBot force-idles one bot.
// POST /bots/{id}/reset
func (h *Handler) ResetBot(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.ValidationError(w, "id", "invalid ID format")
		return
	}

	if err := h.bots.Reset(r.Context(), id); err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "bot reset via HTTP", "bot_id", id)
	response.OK(w, map[string]string{"status": "ok"})
}

// RestartBot force-idles a bot so its agent re-registers cleanly on
// the next cycle. Server-side this is the same repair as reset.
// POST /bots/{id}/restart
func (h *Handler) RestartBot(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.ValidationError(w, "id", "invalid ID format")
		return
	}

	if err := h.bots.Reset(r.Context(), id); err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "bot restart requested via HTTP", "bot_id", id)
	response.OK(w, map[string]string{"status": "ok"})
}

// ResetAllBots force-idles every live bot.
// POST /bots/reset
func (h *Handler) ResetAllBots(w http.ResponseWriter, r *http.Request) {
	reset, err := h.bots.ResetAll(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "all bots reset via HTTP", "count", reset)
	response.OK(w, map[string]int{"reset": reset})
}

type assignOperationRequest struct {
	Operation *string `json:"operation"`
}

// AssignOperation restricts a bot to one operation; null clears the
// restriction.
// POST /bots/{id}/assign-operation
func (h *Handler) AssignOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.ValidationError(w, "id", "invalid ID format")
		return
	}

	var req assignOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON")
		return
	}

	if err := h.bots.AssignOperation(r.Context(), id, req.Operation); err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "operation assigned via HTTP", "bot_id", id)
	response.OK(w, map[string]string{"status": "ok"})
}
