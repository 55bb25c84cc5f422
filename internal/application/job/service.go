// Package job implements the coordinator's job lifecycle operations:
// batch creation, the atomic claim handshake, terminal reporting and
// the metrics read model.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/dispatch/internal/domain"
	"github.com/gridworks/dispatch/internal/metrics"
	"github.com/gridworks/dispatch/internal/operations"
)

const maxBatchSize = 1000

// Service orchestrates job state transitions over the repository.
type Service struct {
	repo    Repository
	archive Archiver
}

// NewService creates a job service. archive may be nil to disable
// archiving.
func NewService(repo Repository, archive Archiver) *Service {
	return &Service{repo: repo, archive: archive}
}

// Populate inserts a batch of synthetic jobs. An empty operation picks
// a random registered operation per job; divide operands avoid zero
// divisors.
func (s *Service) Populate(ctx context.Context, count int, operation string) ([]domain.Job, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", domain.ErrInvalidInput)
	}
	if count > maxBatchSize {
		return nil, fmt.Errorf("%w: count must be at most %d", domain.ErrInvalidInput, maxBatchSize)
	}
	if operation != "" && !operations.IsKnown(operation) {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownOperation, operation)
	}

	names := operations.Names()
	now := time.Now().UTC()
	jobs := make([]domain.Job, count)
	for i := range jobs {
		op := operation
		if op == "" {
			op = names[rand.IntN(len(names))]
		}
		b := int64(rand.IntN(1000))
		if op == "divide" && b == 0 {
			b = 1 + int64(rand.IntN(999))
		}
		jobs[i] = domain.Job{
			ID:        uuid.New(),
			A:         int64(rand.IntN(1000)),
			B:         b,
			Operation: op,
			Status:    domain.JobStatusPending,
			CreatedAt: now,
		}
	}

	if err := s.repo.CreateJobs(ctx, jobs); err != nil {
		return nil, err
	}

	metrics.JobsCreated.Add(float64(count))
	slog.InfoContext(ctx, "jobs populated", "count", count, "operation", operation)
	return jobs, nil
}

// Get returns one job.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.repo.FindJobByID(ctx, id)
}

// List returns jobs matching the filter plus the total count.
func (s *Service) List(ctx context.Context, params ListParams) ([]domain.Job, int, error) {
	if params.Status != "" {
		switch params.Status {
		case domain.JobStatusPending, domain.JobStatusClaimed, domain.JobStatusProcessing,
			domain.JobStatusSucceeded, domain.JobStatusFailed:
		default:
			return nil, 0, fmt.Errorf("%w: status %q", domain.ErrInvalidInput, params.Status)
		}
	}
	return s.repo.ListJobs(ctx, params)
}

// Claim atomically assigns the next pending job to the bot. A nil job
// with nil error means no pending work.
func (s *Service) Claim(ctx context.Context, botID uuid.UUID) (*domain.Job, error) {
	j, err := s.repo.ClaimNextJob(ctx, botID)
	if err != nil {
		return nil, err
	}
	if j != nil {
		metrics.JobsClaimed.Inc()
	}
	return j, nil
}

// Start transitions a claimed job to processing.
func (s *Service) Start(ctx context.Context, jobID, botID uuid.UUID) (*domain.Job, error) {
	return s.repo.StartJob(ctx, jobID, botID)
}

// Complete records a successful execution, emits the Result and
// archives it best-effort.
func (s *Service) Complete(ctx context.Context, params CompleteParams) (*domain.Result, error) {
	r, err := s.repo.CompleteJob(ctx, params)
	if err != nil {
		return nil, err
	}
	metrics.JobsFinished.WithLabelValues(string(domain.JobStatusSucceeded)).Inc()
	s.archiveResult(ctx, *r)
	return r, nil
}

// Fail records a failed execution, emits the failure Result and
// archives it best-effort.
func (s *Service) Fail(ctx context.Context, params FailParams) (*domain.Result, error) {
	if params.Error == "" {
		return nil, fmt.Errorf("%w: error message required", domain.ErrInvalidInput)
	}
	r, err := s.repo.FailJob(ctx, params)
	if err != nil {
		return nil, err
	}
	metrics.JobsFinished.WithLabelValues(string(domain.JobStatusFailed)).Inc()
	s.archiveResult(ctx, *r)
	return r, nil
}

// Release returns a claimed or processing job to pending (operator
// action).
func (s *Service) Release(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	return s.repo.ReleaseJob(ctx, jobID)
}

// archiveResult appends to the external archive. Failures are logged
// and counted, never surfaced; the database row is authoritative.
func (s *Service) archiveResult(ctx context.Context, r domain.Result) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Append(ctx, r); err != nil {
		metrics.ArchiveWriteFailures.Inc()
		slog.ErrorContext(ctx, "archive append failed",
			"result_id", r.ID,
			"job_id", r.JobID,
			"error", err)
	}
}

// JobCounts is the jobs section of the metrics view.
type JobCounts struct {
	Pending    int `json:"pending"`
	Claimed    int `json:"claimed"`
	Processing int `json:"processing"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// BotCounts is the bots section of the metrics view.
type BotCounts struct {
	Total            int `json:"total"`
	Idle             int `json:"idle"`
	Busy             int `json:"busy"`
	Down             int `json:"down"`
	PotentiallyStuck int `json:"potentially_stuck"`
}

// Activity is the recent-throughput section of the metrics view.
type Activity struct {
	ResultsLastHour int     `json:"results_last_hour"`
	AvgDurationMS   float64 `json:"avg_duration_ms"`
}

// MetricsView is the JSON metrics document agents probe during health
// checks; it must always carry the jobs and bots sections.
type MetricsView struct {
	Jobs     JobCounts `json:"jobs"`
	Bots     BotCounts `json:"bots"`
	Activity Activity  `json:"activity"`
	Time     time.Time `json:"time"`
}

// Metrics assembles the metrics view from store aggregates.
func (s *Service) Metrics(ctx context.Context) (*MetricsView, error) {
	jobCounts, err := s.repo.CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	botCounts, stuck, err := s.repo.CountBotsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	processed, avgMS, err := s.repo.ActivityStats(ctx, time.Now().UTC().Add(-1*time.Hour))
	if err != nil {
		return nil, err
	}

	view := &MetricsView{
		Jobs: JobCounts{
			Pending:    jobCounts[domain.JobStatusPending],
			Claimed:    jobCounts[domain.JobStatusClaimed],
			Processing: jobCounts[domain.JobStatusProcessing],
			Succeeded:  jobCounts[domain.JobStatusSucceeded],
			Failed:     jobCounts[domain.JobStatusFailed],
		},
		Bots: BotCounts{
			Idle:             botCounts[domain.BotStatusIdle],
			Busy:             botCounts[domain.BotStatusBusy],
			Down:             botCounts[domain.BotStatusDown],
			PotentiallyStuck: stuck,
		},
		Activity: Activity{
			ResultsLastHour: processed,
			AvgDurationMS:   avgMS,
		},
		Time: time.Now().UTC(),
	}
	for _, n := range jobCounts {
		view.Jobs.Total += n
	}
	for _, n := range botCounts {
		view.Bots.Total += n
	}
	return view, nil
}
