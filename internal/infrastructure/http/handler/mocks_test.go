package handler_test

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/dispatch/internal/application/auth"
	"github.com/gridworks/dispatch/internal/application/bot"
	"github.com/gridworks/dispatch/internal/application/job"
	"github.com/gridworks/dispatch/internal/application/recovery"
	"github.com/gridworks/dispatch/internal/domain"
)

type mockJobRepo struct {
	createJobs    func(ctx context.Context, jobs []domain.Job) error
	findJobByID   func(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	listJobs      func(ctx context.Context, params job.ListParams) ([]domain.Job, int, error)
	claimNextJob  func(ctx context.Context, botID uuid.UUID) (*domain.Job, error)
	startJob      func(ctx context.Context, jobID, botID uuid.UUID) (*domain.Job, error)
	completeJob   func(ctx context.Context, params job.CompleteParams) (*domain.Result, error)
	failJob       func(ctx context.Context, params job.FailParams) (*domain.Result, error)
	releaseJob    func(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
	countJobs     func(ctx context.Context) (map[domain.JobStatus]int, error)
	countBots     func(ctx context.Context) (map[domain.BotStatus]int, int, error)
	activityStats func(ctx context.Context, since time.Time) (int, float64, error)
}

func (m *mockJobRepo) CreateJobs(ctx context.Context, jobs []domain.Job) error {
	if m.createJobs == nil {
		return nil
	}
	return m.createJobs(ctx, jobs)
}

func (m *mockJobRepo) FindJobByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	if m.findJobByID == nil {
		return nil, domain.ErrJobNotFound
	}
	return m.findJobByID(ctx, id)
}

func (m *mockJobRepo) ListJobs(ctx context.Context, params job.ListParams) ([]domain.Job, int, error) {
	if m.listJobs == nil {
		return nil, 0, nil
	}
	return m.listJobs(ctx, params)
}

func (m *mockJobRepo) ClaimNextJob(ctx context.Context, botID uuid.UUID) (*domain.Job, error) {
	if m.claimNextJob == nil {
		return nil, nil
	}
	return m.claimNextJob(ctx, botID)
}

func (m *mockJobRepo) StartJob(ctx context.Context, jobID, botID uuid.UUID) (*domain.Job, error) {
	if m.startJob == nil {
		return nil, domain.ErrJobNotFound
	}
	return m.startJob(ctx, jobID, botID)
}

func (m *mockJobRepo) CompleteJob(ctx context.Context, params job.CompleteParams) (*domain.Result, error) {
	if m.completeJob == nil {
		return nil, domain.ErrJobNotFound
	}
	return m.completeJob(ctx, params)
}

func (m *mockJobRepo) FailJob(ctx context.Context, params job.FailParams) (*domain.Result, error) {
	if m.failJob == nil {
		return nil, domain.ErrJobNotFound
	}
	return m.failJob(ctx, params)
}

func (m *mockJobRepo) ReleaseJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	if m.releaseJob == nil {
		return nil, domain.ErrJobNotFound
	}
	return m.releaseJob(ctx, jobID)
}

func (m *mockJobRepo) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	if m.countJobs == nil {
		return map[domain.JobStatus]int{}, nil
	}
	return m.countJobs(ctx)
}

func (m *mockJobRepo) CountBotsByStatus(ctx context.Context) (map[domain.BotStatus]int, int, error) {
	if m.countBots == nil {
		return map[domain.BotStatus]int{}, 0, nil
	}
	return m.countBots(ctx)
}

func (m *mockJobRepo) ActivityStats(ctx context.Context, since time.Time) (int, float64, error) {
	if m.activityStats == nil {
		return 0, 0, nil
	}
	return m.activityStats(ctx, since)
}

type mockBotRepo struct {
	registerBot     func(ctx context.Context, b domain.Bot, rec bot.IdempotencyRecord) (*bot.IdempotencyRecord, error)
	findBotByID     func(ctx context.Context, id uuid.UUID) (*domain.Bot, error)
	recordHeartbeat func(ctx context.Context, id uuid.UUID) error
	listBots        func(ctx context.Context, includeDeleted bool) ([]domain.Bot, error)
	softDeleteBot   func(ctx context.Context, id uuid.UUID, reason string) error
	resetBot        func(ctx context.Context, id uuid.UUID) error
	assignOperation func(ctx context.Context, id uuid.UUID, operation *string) error
	botStats        func(ctx context.Context, id uuid.UUID) (*bot.Stats, error)
	getIdemRecord   func(ctx context.Context, key, botKey string) (*bot.IdempotencyRecord, error)
}

func (m *mockBotRepo) RegisterBot(ctx context.Context, b domain.Bot, rec bot.IdempotencyRecord) (*bot.IdempotencyRecord, error) {
	if m.registerBot == nil {
		return nil, nil
	}
	return m.registerBot(ctx, b, rec)
}

func (m *mockBotRepo) FindBotByID(ctx context.Context, id uuid.UUID) (*domain.Bot, error) {
	if m.findBotByID == nil {
		return nil, domain.ErrBotNotFound
	}
	return m.findBotByID(ctx, id)
}

func (m *mockBotRepo) RecordHeartbeat(ctx context.Context, id uuid.UUID) error {
	if m.recordHeartbeat == nil {
		return domain.ErrBotNotFound
	}
	return m.recordHeartbeat(ctx, id)
}

func (m *mockBotRepo) ListBots(ctx context.Context, includeDeleted bool) ([]domain.Bot, error) {
	if m.listBots == nil {
		return nil, nil
	}
	return m.listBots(ctx, includeDeleted)
}

func (m *mockBotRepo) SoftDeleteBot(ctx context.Context, id uuid.UUID, reason string) error {
	if m.softDeleteBot == nil {
		return domain.ErrBotNotFound
	}
	return m.softDeleteBot(ctx, id, reason)
}

func (m *mockBotRepo) ResetBot(ctx context.Context, id uuid.UUID) error {
	if m.resetBot == nil {
		return domain.ErrBotNotFound
	}
	return m.resetBot(ctx, id)
}

func (m *mockBotRepo) AssignOperation(ctx context.Context, id uuid.UUID, operation *string) error {
	if m.assignOperation == nil {
		return domain.ErrBotNotFound
	}
	return m.assignOperation(ctx, id, operation)
}

func (m *mockBotRepo) BotStats(ctx context.Context, id uuid.UUID) (*bot.Stats, error) {
	if m.botStats == nil {
		return nil, domain.ErrBotNotFound
	}
	return m.botStats(ctx, id)
}

func (m *mockBotRepo) GetIdempotencyRecord(ctx context.Context, key, botKey string) (*bot.IdempotencyRecord, error) {
	if m.getIdemRecord == nil {
		return nil, nil
	}
	return m.getIdemRecord(ctx, key, botKey)
}

type mockAuthRepo struct {
	findCredential func(ctx context.Context, botKey string) (*auth.Credential, error)
	getGuard       func(ctx context.Context, botKey string) (*auth.Guard, error)
	saveGuard      func(ctx context.Context, g auth.Guard) error
	clearGuard     func(ctx context.Context, botKey string) error
}

func (m *mockAuthRepo) FindCredential(ctx context.Context, botKey string) (*auth.Credential, error) {
	if m.findCredential == nil {
		return nil, domain.ErrUnauthorized
	}
	return m.findCredential(ctx, botKey)
}

func (m *mockAuthRepo) GetGuard(ctx context.Context, botKey string) (*auth.Guard, error) {
	if m.getGuard == nil {
		return nil, nil
	}
	return m.getGuard(ctx, botKey)
}

func (m *mockAuthRepo) SaveGuard(ctx context.Context, g auth.Guard) error {
	if m.saveGuard == nil {
		return nil
	}
	return m.saveGuard(ctx, g)
}

func (m *mockAuthRepo) ClearGuard(ctx context.Context, botKey string) error {
	if m.clearGuard == nil {
		return nil
	}
	return m.clearGuard(ctx, botKey)
}

type mockRecoveryRepo struct {
	listOrphanedClaims  func(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	listStuckClaims     func(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	listStuckProcessing func(ctx context.Context, startedBefore, heartbeatAfter time.Time, limit int) ([]uuid.UUID, error)
	repairRelease       func(ctx context.Context, jobID uuid.UUID) (bool, error)
	repairTimeoutFail   func(ctx context.Context, jobID uuid.UUID, startedBefore time.Time, reason string) (*domain.Result, error)
	annotateBotHealth   func(ctx context.Context, startedBefore, heartbeatAfter time.Time) (int, int, error)
}

func (m *mockRecoveryRepo) ListOrphanedClaims(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	if m.listOrphanedClaims == nil {
		return nil, nil
	}
	return m.listOrphanedClaims(ctx, cutoff, limit)
}

func (m *mockRecoveryRepo) ListStuckClaims(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	if m.listStuckClaims == nil {
		return nil, nil
	}
	return m.listStuckClaims(ctx, before, limit)
}

func (m *mockRecoveryRepo) ListStuckProcessing(ctx context.Context, startedBefore, heartbeatAfter time.Time, limit int) ([]uuid.UUID, error) {
	if m.listStuckProcessing == nil {
		return nil, nil
	}
	return m.listStuckProcessing(ctx, startedBefore, heartbeatAfter, limit)
}

func (m *mockRecoveryRepo) RepairRelease(ctx context.Context, jobID uuid.UUID) (bool, error) {
	if m.repairRelease == nil {
		return false, nil
	}
	return m.repairRelease(ctx, jobID)
}

func (m *mockRecoveryRepo) RepairTimeoutFail(ctx context.Context, jobID uuid.UUID, startedBefore time.Time, reason string) (*domain.Result, error) {
	if m.repairTimeoutFail == nil {
		return nil, nil
	}
	return m.repairTimeoutFail(ctx, jobID, startedBefore, reason)
}

func (m *mockRecoveryRepo) AnnotateBotHealth(ctx context.Context, startedBefore, heartbeatAfter time.Time) (int, int, error) {
	if m.annotateBotHealth == nil {
		return 0, 0, nil
	}
	return m.annotateBotHealth(ctx, startedBefore, heartbeatAfter)
}

type mockCleanupRepo struct {
	purgeDeletedBots func(ctx context.Context, before time.Time, dryRun bool) (int, int, error)
	purgeIdemKeys    func(ctx context.Context, olderThan time.Time) (int, error)
	recordCleanupRun func(ctx context.Context, run recovery.CleanupRun) error
	listCleanupRuns  func(ctx context.Context, limit int) ([]recovery.CleanupRun, error)
}

func (m *mockCleanupRepo) PurgeDeletedBots(ctx context.Context, before time.Time, dryRun bool) (int, int, error) {
	if m.purgeDeletedBots == nil {
		return 0, 0, nil
	}
	return m.purgeDeletedBots(ctx, before, dryRun)
}

func (m *mockCleanupRepo) PurgeIdempotencyKeys(ctx context.Context, olderThan time.Time) (int, error) {
	if m.purgeIdemKeys == nil {
		return 0, nil
	}
	return m.purgeIdemKeys(ctx, olderThan)
}

func (m *mockCleanupRepo) RecordCleanupRun(ctx context.Context, run recovery.CleanupRun) error {
	if m.recordCleanupRun == nil {
		return nil
	}
	return m.recordCleanupRun(ctx, run)
}

func (m *mockCleanupRepo) ListCleanupRuns(ctx context.Context, limit int) ([]recovery.CleanupRun, error) {
	if m.listCleanupRuns == nil {
		return nil, nil
	}
	return m.listCleanupRuns(ctx, limit)
}

type mockQuerier struct {
	run func(ctx context.Context, query string) ([]string, [][]any, error)
}

func (m *mockQuerier) RunReadOnlyQuery(ctx context.Context, query string) ([]string, [][]any, error) {
	if m.run == nil {
		return nil, nil, nil
	}
	return m.run(ctx, query)
}
