package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gridworks/dispatch/internal/infrastructure/http/response"
)

// RunCleanup triggers one retention sweep.
// POST /admin/cleanup
func (h *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	run, err := h.cleaner.RunOnce(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, run)
}

// CleanupStatus returns recent sweep records, newest first.
// GET /admin/cleanup/status
func (h *Handler) CleanupStatus(w http.ResponseWriter, r *http.Request) {
	runs, err := h.cleaner.History(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{"runs": runs})
}

// RecoverJobs triggers one recovery cycle outside the timer.
// POST /admin/recover-jobs
func (h *Handler) RecoverJobs(w http.ResponseWriter, r *http.Request) {
	stats, err := h.monitor.RunOnce(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "manual recovery cycle run",
		"repairs", stats.Total())
	response.OK(w, stats)
}

type adminQueryRequest struct {
	Query string `json:"query"`
}

// AdminQuery runs a single SELECT statement in a read-only
// transaction. Anything else is rejected before touching the store.
// POST /admin/query
func (h *Handler) AdminQuery(w http.ResponseWriter, r *http.Request) {
	var req adminQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON")
		return
	}

	query := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(req.Query), ";"))
	if !strings.HasPrefix(strings.ToUpper(query), "SELECT") || strings.Contains(query, ";") {
		response.ValidationError(w, "query", "only a single SELECT statement is allowed")
		return
	}

	columns, rows, err := h.querier.RunReadOnlyQuery(r.Context(), query)
	if err != nil {
		slog.WarnContext(r.Context(), "admin query failed", "error", err)
		response.BadRequest(w, "query failed")
		return
	}

	response.OK(w, map[string]any{
		"columns":   columns,
		"rows":      rows,
		"row_count": len(rows),
	})
}
