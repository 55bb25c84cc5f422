package job

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/dispatch/internal/domain"
)

// ListParams filters and pages the job listing.
type ListParams struct {
	Status domain.JobStatus // empty = all statuses
	Limit  int
	Offset int
}

// CompleteParams reports a successful execution.
type CompleteParams struct {
	JobID      uuid.UUID
	BotID      uuid.UUID
	Value      int64
	DurationMS int64
}

// FailParams reports a failed execution.
type FailParams struct {
	JobID      uuid.UUID
	BotID      uuid.UUID
	Error      string
	DurationMS int64
}

// Repository defines the persistence operations the job service needs.
// Claim, start, complete and fail are transactional in the
// implementation; each call is one atomic state transition.
type Repository interface {
	CreateJobs(ctx context.Context, jobs []domain.Job) error
	FindJobByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	ListJobs(ctx context.Context, params ListParams) ([]domain.Job, int, error)

	ClaimNextJob(ctx context.Context, botID uuid.UUID) (*domain.Job, error)
	StartJob(ctx context.Context, jobID, botID uuid.UUID) (*domain.Job, error)
	CompleteJob(ctx context.Context, params CompleteParams) (*domain.Result, error)
	FailJob(ctx context.Context, params FailParams) (*domain.Result, error)
	ReleaseJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)

	CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
	CountBotsByStatus(ctx context.Context) (map[domain.BotStatus]int, int, error)
	ActivityStats(ctx context.Context, since time.Time) (int, float64, error)
}

// Archiver appends terminal results to the external archive.
// Implementations are best-effort; the database row is authoritative.
type Archiver interface {
	Append(ctx context.Context, r domain.Result) error
}
