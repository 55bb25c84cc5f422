// Package recovery hosts the coordinator's background maintenance
// loops: the stuck-job monitor, the auto-populate harness and the
// deleted-bot retention sweeper.
package recovery

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gridworks/dispatch/internal/domain"
)

// CleanupRun is one recorded execution of the retention sweeper.
type CleanupRun struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	DryRun        bool      `json:"dry_run"`
	BotsPurged    int       `json:"bots_purged"`
	ResultsPurged int       `json:"results_purged"`
}

// Repository is the persistence surface the stuck-job monitor needs.
// Every Repair method re-checks the candidate's state under a row lock
// inside its own transaction, so two loops can never repair the same
// job twice.
type Repository interface {
	ListOrphanedClaims(ctx context.Context, heartbeatCutoff time.Time, limit int) ([]uuid.UUID, error)
	ListStuckClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]uuid.UUID, error)
	ListStuckProcessing(ctx context.Context, startedBefore, heartbeatAfter time.Time, limit int) ([]uuid.UUID, error)
	RepairRelease(ctx context.Context, jobID uuid.UUID) (bool, error)
	RepairTimeoutFail(ctx context.Context, jobID uuid.UUID, startedBefore time.Time, reason string) (*domain.Result, error)
	AnnotateBotHealth(ctx context.Context, startedBefore, heartbeatAfter time.Time) (marked, cleared int, err error)
}

// CleanupRepository is the persistence surface the retention sweeper
// needs.
type CleanupRepository interface {
	PurgeDeletedBots(ctx context.Context, deletedBefore time.Time, dryRun bool) (botsPurged, resultsPurged int, err error)
	PurgeIdempotencyKeys(ctx context.Context, olderThan time.Time) (int, error)
	RecordCleanupRun(ctx context.Context, run CleanupRun) error
	ListCleanupRuns(ctx context.Context, limit int) ([]CleanupRun, error)
}
