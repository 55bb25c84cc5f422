package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/gridworks/dispatch/internal/application/job"
	"github.com/gridworks/dispatch/internal/domain"
	"github.com/gridworks/dispatch/internal/infrastructure/http/response"
)

type botRef struct {
	BotID string `json:"bot_id"`
}

func decodeBotRef(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var ref botRef
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
		response.BadRequest(w, "invalid JSON")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(ref.BotID)
	if err != nil {
		response.ValidationError(w, "bot_id", "invalid ID format")
		return uuid.Nil, false
	}
	return id, true
}

// ClaimJob atomically assigns the oldest matching pending job to the
// bot. 204 when the queue is empty.
// POST /jobs/claim
func (h *Handler) ClaimJob(w http.ResponseWriter, r *http.Request) {
	botID, ok := decodeBotRef(w, r)
	if !ok {
		return
	}

	claimed, err := h.jobs.Claim(r.Context(), botID)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	if claimed == nil {
		response.NoContent(w)
		return
	}
	response.OK(w, MapJobToDTO(*claimed))
}

// StartJob transitions a claimed job to processing.
// POST /jobs/{id}/start
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseID(r)
	if !ok {
		response.ValidationError(w, "id", "invalid ID format")
		return
	}
	botID, ok := decodeBotRef(w, r)
	if !ok {
		return
	}

	started, err := h.jobs.Start(r.Context(), jobID, botID)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, MapJobToDTO(*started))
}

type completeRequest struct {
	BotID      string `json:"bot_id"`
	Value      *int64 `json:"value"`
	DurationMS int64  `json:"duration_ms"`
}

// CompleteJob reports terminal success.
// POST /jobs/{id}/complete
func (h *Handler) CompleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseID(r)
	if !ok {
		response.ValidationError(w, "id", "invalid ID format")
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON")
		return
	}
	botID, err := uuid.Parse(req.BotID)
	if err != nil {
		response.ValidationError(w, "bot_id", "invalid ID format")
		return
	}
	if req.Value == nil {
		response.ValidationError(w, "value", "required field missing")
		return
	}

	result, err := h.jobs.Complete(r.Context(), job.CompleteParams{
		JobID:      jobID,
		BotID:      botID,
		Value:      *req.Value,
		DurationMS: req.DurationMS,
	})
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, MapResultToDTO(*result))
}

type failRequest struct {
	BotID      string `json:"bot_id"`
	Error      string `json:"error"`
	DurationMS int64  `json:"duration_ms"`
}

// FailJob reports terminal failure.
// POST /jobs/{id}/fail
func (h *Handler) FailJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseID(r)
	if !ok {
		response.ValidationError(w, "id", "invalid ID format")
		return
	}

	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON")
		return
	}
	botID, err := uuid.Parse(req.BotID)
	if err != nil {
		response.ValidationError(w, "bot_id", "invalid ID format")
		return
	}

	result, err := h.jobs.Fail(r.Context(), job.FailParams{
		JobID:      jobID,
		BotID:      botID,
		Error:      req.Error,
		DurationMS: req.DurationMS,
	})
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, MapResultToDTO(*result))
}

// ListJobs returns a page of jobs, optionally filtered by status.
// GET /jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	params := job.ListParams{
		Status: domain.JobStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		params.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		params.Offset, _ = strconv.Atoi(v)
	}

	jobs, total, err := h.jobs.List(r.Context(), params)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, map[string]any{
		"jobs":  MapJobsToDTO(jobs),
		"total": total,
	})
}

// GetJob returns one job.
// GET /jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.ValidationError(w, "id", "invalid ID format")
		return
	}

	j, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, MapJobToDTO(*j))
}

// ReleaseJob returns a claimed or processing job to pending so another
// bot can pick it up.
// POST /jobs/{id}/release
func (h *Handler) ReleaseJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		response.ValidationError(w, "id", "invalid ID format")
		return
	}

	j, err := h.jobs.Release(r.Context(), id)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "job released via HTTP", "job_id", id)
	response.OK(w, MapJobToDTO(*j))
}

type populateRequest struct {
	Count     int    `json:"count"`
	Operation string `json:"operation"`
}

// PopulateJobs batch-creates synthetic jobs.
// POST /jobs/populate
func (h *Handler) PopulateJobs(w http.ResponseWriter, r *http.Request) {
	req := populateRequest{Count: 10}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "invalid JSON")
			return
		}
	}

	jobs, err := h.jobs.Populate(r.Context(), req.Count, req.Operation)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "jobs populated via HTTP",
		"count", len(jobs),
		"operation", req.Operation)
	response.Created(w, map[string]any{
		"created": len(jobs),
		"jobs":    MapJobsToDTO(jobs),
	})
}
