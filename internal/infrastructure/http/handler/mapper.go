package handler

import (
	"time"

	"github.com/gridworks/dispatch/internal/domain"
	"github.com/gridworks/dispatch/internal/ptr"
)

// JobDTO is the wire shape of a job.
type JobDTO struct {
	ID         string     `json:"id"`
	A          int64      `json:"a"`
	B          int64      `json:"b"`
	Operation  string     `json:"operation"`
	Status     string     `json:"status"`
	ClaimedBy  *string    `json:"claimed_by,omitempty"`
	Attempts   int        `json:"attempts"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ResultDTO is the wire shape of a terminal result.
type ResultDTO struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	A           int64     `json:"a"`
	B           int64     `json:"b"`
	Operation   string    `json:"operation"`
	Value       *int64    `json:"value,omitempty"`
	Status      string    `json:"status"`
	Error       *string   `json:"error,omitempty"`
	ProcessedBy string    `json:"processed_by"`
	DurationMS  int64     `json:"duration_ms"`
	ProcessedAt time.Time `json:"processed_at"`
}

// BotDTO is the wire shape of a bot. LifecycleStatus is derived from
// heartbeat age at render time, unlike Status which is persisted.
type BotDTO struct {
	ID                string     `json:"id"`
	BotKey            string     `json:"bot_key"`
	Status            string     `json:"status"`
	HealthStatus      string     `json:"health_status"`
	LifecycleStatus   string     `json:"lifecycle_status"`
	AssignedOperation *string    `json:"assigned_operation,omitempty"`
	CurrentJobID      *string    `json:"current_job_id,omitempty"`
	StuckJobID        *string    `json:"stuck_job_id,omitempty"`
	LastHeartbeatAt   time.Time  `json:"last_heartbeat_at"`
	CreatedAt         time.Time  `json:"created_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// MapJobToDTO converts a domain job to its wire shape.
func MapJobToDTO(j domain.Job) JobDTO {
	dto := JobDTO{
		ID:         j.ID.String(),
		A:          j.A,
		B:          j.B,
		Operation:  j.Operation,
		Status:     string(j.Status),
		Attempts:   j.Attempts,
		Error:      j.Error,
		CreatedAt:  j.CreatedAt,
		ClaimedAt:  j.ClaimedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
	if j.ClaimedBy != nil {
		dto.ClaimedBy = ptr.To(j.ClaimedBy.String())
	}
	return dto
}

// MapJobsToDTO converts a slice of domain jobs.
func MapJobsToDTO(jobs []domain.Job) []JobDTO {
	dtos := make([]JobDTO, len(jobs))
	for i, j := range jobs {
		dtos[i] = MapJobToDTO(j)
	}
	return dtos
}

// MapResultToDTO converts a domain result to its wire shape.
func MapResultToDTO(r domain.Result) ResultDTO {
	return ResultDTO{
		ID:          r.ID.String(),
		JobID:       r.JobID.String(),
		A:           r.A,
		B:           r.B,
		Operation:   r.Operation,
		Value:       r.Value,
		Status:      string(r.Status),
		Error:       r.Error,
		ProcessedBy: r.ProcessedBy.String(),
		DurationMS:  r.DurationMS,
		ProcessedAt: r.ProcessedAt,
	}
}

// MapBotToDTO converts a domain bot to its wire shape.
func MapBotToDTO(b domain.Bot, now time.Time) BotDTO {
	dto := BotDTO{
		ID:                b.ID.String(),
		BotKey:            b.BotKey,
		Status:            string(b.Status),
		HealthStatus:      string(b.Health),
		LifecycleStatus:   string(b.Lifecycle(now)),
		AssignedOperation: b.AssignedOperation,
		LastHeartbeatAt:   b.LastHeartbeatAt,
		CreatedAt:         b.CreatedAt,
		DeletedAt:         b.DeletedAt,
	}
	if b.CurrentJobID != nil {
		dto.CurrentJobID = ptr.To(b.CurrentJobID.String())
	}
	if b.StuckJobID != nil {
		dto.StuckJobID = ptr.To(b.StuckJobID.String())
	}
	return dto
}

// MapBotsToDTO converts a slice of domain bots.
func MapBotsToDTO(bots []domain.Bot, now time.Time) []BotDTO {
	dtos := make([]BotDTO, len(bots))
	for i, b := range bots {
		dtos[i] = MapBotToDTO(b, now)
	}
	return dtos
}
