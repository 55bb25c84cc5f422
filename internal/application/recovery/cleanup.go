package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultRetention       = 7 * 24 * time.Hour
	defaultCleanupInterval = 6 * time.Hour

	// idempotencyTTL is how long cached registration responses stay
	// replayable before the sweeper drops them.
	idempotencyTTL = 24 * time.Hour

	// cleanupHistoryLimit bounds the run history returned to the admin
	// surface.
	cleanupHistoryLimit = 50
)

// Cleaner hard-deletes bots that have been soft-deleted longer than the
// retention window, along with their results, and expires stale
// idempotency keys. Each run is recorded so operators can audit what
// a sweep removed.
type Cleaner struct {
	repo     CleanupRepository
	interval time.Duration
	retain   time.Duration
	dryRun   bool
	now      func() time.Time
}

// CleanerOption is a functional option for configuring Cleaner.
type CleanerOption func(*Cleaner)

// WithCleanupInterval sets how often the sweeper runs.
func WithCleanupInterval(d time.Duration) CleanerOption {
	return func(c *Cleaner) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithRetention sets how long soft-deleted bots are kept before being
// purged.
func WithRetention(d time.Duration) CleanerOption {
	return func(c *Cleaner) {
		if d > 0 {
			c.retain = d
		}
	}
}

// WithDryRun makes the sweeper count rows without deleting them.
func WithDryRun(dryRun bool) CleanerOption {
	return func(c *Cleaner) {
		c.dryRun = dryRun
	}
}

// NewCleaner creates the retention sweeper.
func NewCleaner(repo CleanupRepository, opts ...CleanerOption) *Cleaner {
	c := &Cleaner{
		repo:     repo,
		interval: defaultCleanupInterval,
		retain:   defaultRetention,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start runs the sweeper until the context is cancelled. The first
// sweep happens after one full interval, not at startup, so a crash
// looping process cannot hammer the purge path.
func (c *Cleaner) Start(ctx context.Context) {
	slog.InfoContext(ctx, "cleanup sweeper started",
		"interval", c.interval, "retention", c.retain, "dry_run", c.dryRun)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "cleanup sweeper stopped")
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "cleanup sweep failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single sweep and records it.
func (c *Cleaner) RunOnce(ctx context.Context) (CleanupRun, error) {
	run := CleanupRun{StartedAt: c.now(), DryRun: c.dryRun}

	bots, results, err := c.repo.PurgeDeletedBots(ctx, run.StartedAt.Add(-c.retain), c.dryRun)
	if err != nil {
		return run, fmt.Errorf("failed to purge deleted bots: %w", err)
	}
	run.BotsPurged = bots
	run.ResultsPurged = results

	if !c.dryRun {
		keys, err := c.repo.PurgeIdempotencyKeys(ctx, run.StartedAt.Add(-idempotencyTTL))
		if err != nil {
			return run, fmt.Errorf("failed to purge idempotency keys: %w", err)
		}
		if keys > 0 {
			slog.InfoContext(ctx, "expired idempotency keys", "count", keys)
		}
	}

	run.FinishedAt = c.now()
	if err := c.repo.RecordCleanupRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to record cleanup run: %w", err)
	}

	slog.InfoContext(ctx, "cleanup sweep finished",
		"bots_purged", run.BotsPurged,
		"results_purged", run.ResultsPurged,
		"dry_run", run.DryRun)
	return run, nil
}

// History returns the most recent sweep records, newest first.
func (c *Cleaner) History(ctx context.Context) ([]CleanupRun, error) {
	return c.repo.ListCleanupRuns(ctx, cleanupHistoryLimit)
}
