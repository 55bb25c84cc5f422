package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridworks/dispatch/internal/domain"
)

type mockRepo struct {
	createJobs        func(ctx context.Context, jobs []domain.Job) error
	findJobByID       func(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	listJobs          func(ctx context.Context, params ListParams) ([]domain.Job, int, error)
	claimNextJob      func(ctx context.Context, botID uuid.UUID) (*domain.Job, error)
	startJob          func(ctx context.Context, jobID, botID uuid.UUID) (*domain.Job, error)
	completeJob       func(ctx context.Context, params CompleteParams) (*domain.Result, error)
	failJob           func(ctx context.Context, params FailParams) (*domain.Result, error)
	releaseJob        func(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
	countJobsByStatus func(ctx context.Context) (map[domain.JobStatus]int, error)
	countBotsByStatus func(ctx context.Context) (map[domain.BotStatus]int, int, error)
	activityStats     func(ctx context.Context, since time.Time) (int, float64, error)
}

func (m *mockRepo) CreateJobs(ctx context.Context, jobs []domain.Job) error {
	return m.createJobs(ctx, jobs)
}

func (m *mockRepo) FindJobByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return m.findJobByID(ctx, id)
}

func (m *mockRepo) ListJobs(ctx context.Context, params ListParams) ([]domain.Job, int, error) {
	return m.listJobs(ctx, params)
}

func (m *mockRepo) ClaimNextJob(ctx context.Context, botID uuid.UUID) (*domain.Job, error) {
	return m.claimNextJob(ctx, botID)
}

func (m *mockRepo) StartJob(ctx context.Context, jobID, botID uuid.UUID) (*domain.Job, error) {
	return m.startJob(ctx, jobID, botID)
}

func (m *mockRepo) CompleteJob(ctx context.Context, params CompleteParams) (*domain.Result, error) {
	return m.completeJob(ctx, params)
}

func (m *mockRepo) FailJob(ctx context.Context, params FailParams) (*domain.Result, error) {
	return m.failJob(ctx, params)
}

func (m *mockRepo) ReleaseJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	return m.releaseJob(ctx, jobID)
}

func (m *mockRepo) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	return m.countJobsByStatus(ctx)
}

func (m *mockRepo) CountBotsByStatus(ctx context.Context) (map[domain.BotStatus]int, int, error) {
	return m.countBotsByStatus(ctx)
}

func (m *mockRepo) ActivityStats(ctx context.Context, since time.Time) (int, float64, error) {
	return m.activityStats(ctx, since)
}

type mockArchive struct {
	append func(ctx context.Context, r domain.Result) error
}

func (m *mockArchive) Append(ctx context.Context, r domain.Result) error {
	return m.append(ctx, r)
}

func TestPopulate(t *testing.T) {
	var created []domain.Job
	svc := NewService(&mockRepo{
		createJobs: func(_ context.Context, jobs []domain.Job) error {
			created = jobs
			return nil
		},
	}, nil)

	jobs, err := svc.Populate(context.Background(), 50, "")
	require.NoError(t, err)
	assert.Len(t, jobs, 50)
	assert.Len(t, created, 50)

	for _, j := range created {
		assert.Equal(t, domain.JobStatusPending, j.Status)
		assert.GreaterOrEqual(t, j.A, int64(0))
		assert.Less(t, j.A, int64(1000))
		if j.Operation == "divide" {
			assert.NotZero(t, j.B, "divide jobs must never have a zero divisor")
		}
	}
}

func TestPopulate_Validation(t *testing.T) {
	svc := NewService(&mockRepo{}, nil)

	_, err := svc.Populate(context.Background(), 0, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Populate(context.Background(), maxBatchSize+1, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Populate(context.Background(), 10, "modulo")
	assert.ErrorIs(t, err, domain.ErrUnknownOperation)
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	svc := NewService(&mockRepo{}, nil)
	_, _, err := svc.List(context.Background(), ListParams{Status: "done"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClaim_NoPendingWork(t *testing.T) {
	svc := NewService(&mockRepo{
		claimNextJob: func(context.Context, uuid.UUID) (*domain.Job, error) {
			return nil, nil
		},
	}, nil)

	j, err := svc.Claim(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestComplete_AppendsToArchive(t *testing.T) {
	botID := uuid.New()
	jobID := uuid.New()
	value := int64(30)
	var archived *domain.Result

	svc := NewService(&mockRepo{
		completeJob: func(_ context.Context, params CompleteParams) (*domain.Result, error) {
			return &domain.Result{
				ID: uuid.New(), JobID: params.JobID, Value: &value,
				Status: domain.JobStatusSucceeded, ProcessedBy: params.BotID,
			}, nil
		},
	}, &mockArchive{
		append: func(_ context.Context, r domain.Result) error {
			archived = &r
			return nil
		},
	})

	r, err := svc.Complete(context.Background(), CompleteParams{JobID: jobID, BotID: botID, Value: 30})
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, r.ID, archived.ID)
}

func TestComplete_ArchiveFailureIsSwallowed(t *testing.T) {
	svc := NewService(&mockRepo{
		completeJob: func(_ context.Context, params CompleteParams) (*domain.Result, error) {
			return &domain.Result{ID: uuid.New(), Status: domain.JobStatusSucceeded}, nil
		},
	}, &mockArchive{
		append: func(context.Context, domain.Result) error {
			return errors.New("disk full")
		},
	})

	_, err := svc.Complete(context.Background(), CompleteParams{JobID: uuid.New(), BotID: uuid.New()})
	assert.NoError(t, err, "archive failures must not surface; the DB row is authoritative")
}

func TestFail_RequiresMessage(t *testing.T) {
	svc := NewService(&mockRepo{}, nil)
	_, err := svc.Fail(context.Background(), FailParams{JobID: uuid.New(), BotID: uuid.New()})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestMetrics(t *testing.T) {
	svc := NewService(&mockRepo{
		countJobsByStatus: func(context.Context) (map[domain.JobStatus]int, error) {
			return map[domain.JobStatus]int{
				domain.JobStatusPending:   3,
				domain.JobStatusSucceeded: 7,
			}, nil
		},
		countBotsByStatus: func(context.Context) (map[domain.BotStatus]int, int, error) {
			return map[domain.BotStatus]int{
				domain.BotStatusIdle: 2,
				domain.BotStatusBusy: 1,
			}, 1, nil
		},
		activityStats: func(context.Context, time.Time) (int, float64, error) {
			return 12, 1500.5, nil
		},
	}, nil)

	view, err := svc.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, view.Jobs.Total)
	assert.Equal(t, 3, view.Jobs.Pending)
	assert.Equal(t, 7, view.Jobs.Succeeded)
	assert.Equal(t, 3, view.Bots.Total)
	assert.Equal(t, 1, view.Bots.PotentiallyStuck)
	assert.Equal(t, 12, view.Activity.ResultsLastHour)
}
