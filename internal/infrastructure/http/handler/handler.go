// Package handler adapts HTTP requests to application service calls.
package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridworks/dispatch/internal/application/auth"
	"github.com/gridworks/dispatch/internal/application/bot"
	"github.com/gridworks/dispatch/internal/application/job"
	"github.com/gridworks/dispatch/internal/application/recovery"
	mw "github.com/gridworks/dispatch/internal/infrastructure/http/middleware"
	"github.com/gridworks/dispatch/internal/infrastructure/http/openapi"
	"github.com/gridworks/dispatch/internal/infrastructure/http/response"
)

// AdminQuerier runs operator-supplied read-only SQL.
type AdminQuerier interface {
	RunReadOnlyQuery(ctx context.Context, query string) (columns []string, rows [][]any, err error)
}

// Handler holds the application services behind the HTTP surface.
type Handler struct {
	auth    *auth.Service
	jobs    *job.Service
	bots    *bot.Service
	monitor *recovery.Monitor
	cleaner *recovery.Cleaner
	querier AdminQuerier
}

// New creates the coordinator API handler.
func New(authSvc *auth.Service, jobSvc *job.Service, botSvc *bot.Service,
	monitor *recovery.Monitor, cleaner *recovery.Cleaner, querier AdminQuerier) *Handler {
	return &Handler{
		auth:    authSvc,
		jobs:    jobSvc,
		bots:    botSvc,
		monitor: monitor,
		cleaner: cleaner,
		querier: querier,
	}
}

// NewRouter mounts all coordinator routes with request validation.
// adminToken guards the operator surface. Both production code and
// tests use this function so behavior is identical.
func NewRouter(h *Handler, adminToken string) (http.Handler, error) {
	spec, err := openapi.GetSwagger()
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}

	r := chi.NewRouter()
	r.Use(mw.NewValidator(spec))

	session := mw.NewSession(h.auth)
	admin := mw.NewAdmin(adminToken)

	// Auth surface, no token required.
	r.Post("/v1/auth/token", h.IssueToken)
	r.Get("/v1/auth/.well-known/jwks", h.JWKS)

	// Registration requires a session token carrying the register
	// scope.
	r.Group(func(r chi.Router) {
		r.Use(session.Validate)
		r.Use(mw.RequireScope(auth.RegisterScope))
		r.Post("/v1/bots/register", h.Register)
	})

	// Worker operations authenticate by bot_id only.
	r.Post("/bots/heartbeat", h.Heartbeat)
	r.Post("/jobs/claim", h.ClaimJob)
	r.Post("/jobs/{id}/start", h.StartJob)
	r.Post("/jobs/{id}/complete", h.CompleteJob)
	r.Post("/jobs/{id}/fail", h.FailJob)

	// Read models.
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Get("/bots", h.ListBots)
	r.Get("/bots/{id}", h.GetBot)
	r.Get("/bots/{id}/stats", h.BotStats)

	// Operator surface.
	r.Group(func(r chi.Router) {
		r.Use(admin.Validate)
		r.Post("/jobs/populate", h.PopulateJobs)
		r.Post("/jobs/{id}/release", h.ReleaseJob)
		r.Delete("/bots/{id}", h.DeleteBot)
		r.Post("/bots/reset", h.ResetAllBots)
		r.Post("/bots/{id}/reset", h.ResetBot)
		r.Post("/bots/{id}/restart", h.RestartBot)
		r.Post("/bots/{id}/assign-operation", h.AssignOperation)
		r.Post("/admin/cleanup", h.RunCleanup)
		r.Get("/admin/cleanup/status", h.CleanupStatus)
		r.Post("/admin/recover-jobs", h.RecoverJobs)
		r.Post("/admin/query", h.AdminQuery)
	})

	// Observability.
	r.Get("/healthz", h.Healthz)
	r.Get("/metrics", h.Metrics)
	r.Get("/metrics/summary", h.Metrics)
	r.Method(http.MethodGet, "/metrics/prom", promhttp.Handler())

	return r, nil
}

// parseID extracts and validates the {id} path parameter.
func parseID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// Healthz reports process liveness.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, map[string]string{"status": "ok"})
}

// Metrics serves the JSON metrics view agents probe during health
// checks.
// GET /metrics, GET /metrics/summary
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	view, err := h.jobs.Metrics(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, view)
}
