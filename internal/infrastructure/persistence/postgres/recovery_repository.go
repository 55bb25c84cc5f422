package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gridworks/dispatch/internal/application/recovery"
	"github.com/gridworks/dispatch/internal/domain"
)

// ListOrphanedClaims finds claimed jobs whose live claimer has stopped
// heartbeating before the cutoff.
func (s *Store) ListOrphanedClaims(ctx context.Context, heartbeatCutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT j.id
		  FROM jobs j
		  JOIN bots b ON b.id = j.claimed_by
		 WHERE j.status = 'claimed'
		   AND b.deleted_at IS NULL
		   AND b.last_heartbeat_at < $1
		 ORDER BY j.claimed_at ASC
		 LIMIT $2`, heartbeatCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned claims: %w", err)
	}
	return collectIDs(rows)
}

// ListStuckClaims finds jobs claimed before the cutoff regardless of
// claimer liveness.
func (s *Store) ListStuckClaims(ctx context.Context, claimedBefore time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM jobs
		 WHERE status = 'claimed' AND claimed_at < $1
		 ORDER BY claimed_at ASC
		 LIMIT $2`, claimedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck claims: %w", err)
	}
	return collectIDs(rows)
}

// ListStuckProcessing finds processing jobs started before the cutoff
// whose claimer is still heartbeating. Dead claimers are left to the
// orphan and stuck-claim paths.
func (s *Store) ListStuckProcessing(ctx context.Context, startedBefore, heartbeatAfter time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT j.id
		  FROM jobs j
		  JOIN bots b ON b.id = j.claimed_by
		 WHERE j.status = 'processing'
		   AND j.started_at < $1
		   AND b.deleted_at IS NULL
		   AND b.last_heartbeat_at > $2
		 ORDER BY j.started_at ASC
		 LIMIT $3`, startedBefore, heartbeatAfter, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck processing jobs: %w", err)
	}
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job ids: %w", err)
	}
	return ids, nil
}

// RepairRelease re-checks a candidate job under a row lock and, if it
// is still claimed, releases it back to pending. Returns false when a
// concurrent writer already moved the job on.
func (s *Store) RepairRelease(ctx context.Context, jobID uuid.UUID) (bool, error) {
	repaired := false
	err := s.executeInTransaction(ctx, "repair_release", func(tx *Store) error {
		j, err := tx.lockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.Status != domain.JobStatusClaimed {
			return nil // state moved on, nothing to repair
		}
		if _, err := tx.releaseLockedJob(ctx, j); err != nil {
			return err
		}
		repaired = true
		return nil
	})
	return repaired, err
}

// RepairTimeoutFail re-checks a candidate job under a row lock and, if
// it is still processing and older than the cutoff, terminally fails it
// with the given reason, emits a failure Result, frees the bot and
// marks it potentially_stuck. Returns nil when the job moved on.
func (s *Store) RepairTimeoutFail(ctx context.Context, jobID uuid.UUID, startedBefore time.Time, reason string) (*domain.Result, error) {
	var result *domain.Result

	err := s.executeInTransaction(ctx, "repair_timeout_fail", func(tx *Store) error {
		j, err := tx.lockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if j.Status != domain.JobStatusProcessing || j.StartedAt == nil || !j.StartedAt.Before(startedBefore) {
			return nil
		}

		now := time.Now().UTC()
		if _, err := tx.db.Exec(ctx, `
			UPDATE jobs
			   SET status = 'failed', finished_at = $2,
			       attempts = attempts + 1, error = $3
			 WHERE id = $1`, jobID, now, reason); err != nil {
			return fmt.Errorf("failed to timeout-fail job: %w", err)
		}

		r := &domain.Result{
			ID:          uuid.New(),
			JobID:       j.ID,
			A:           j.A,
			B:           j.B,
			Operation:   j.Operation,
			Status:      domain.JobStatusFailed,
			Error:       &reason,
			ProcessedBy: *j.ClaimedBy,
			ProcessedAt: now,
		}
		if err := tx.insertResult(ctx, r); err != nil {
			return err
		}

		if _, err := tx.db.Exec(ctx, `
			UPDATE bots
			   SET current_job_id = NULL, status = 'idle',
			       health_status = 'potentially_stuck', stuck_job_id = $2
			 WHERE id = $1 AND current_job_id = $2`,
			*j.ClaimedBy, jobID); err != nil {
			return fmt.Errorf("failed to mark bot potentially stuck: %w", err)
		}

		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AnnotateBotHealth marks live heartbeating bots whose current job has
// been processing past the cutoff as potentially_stuck, and clears the
// annotation where the condition no longer holds.
func (s *Store) AnnotateBotHealth(ctx context.Context, startedBefore, heartbeatAfter time.Time) (marked, cleared int, err error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE bots b
		   SET health_status = 'potentially_stuck', stuck_job_id = b.current_job_id
		  FROM jobs j
		 WHERE j.id = b.current_job_id
		   AND b.deleted_at IS NULL
		   AND b.health_status = 'normal'
		   AND b.last_heartbeat_at > $2
		   AND j.status = 'processing'
		   AND j.started_at < $1`, startedBefore, heartbeatAfter)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to mark stuck bots: %w", err)
	}
	marked = int(tag.RowsAffected())

	tag, err = s.db.Exec(ctx, `
		UPDATE bots b
		   SET health_status = 'normal', stuck_job_id = NULL
		 WHERE b.health_status = 'potentially_stuck'
		   AND b.deleted_at IS NULL
		   AND (b.current_job_id IS NULL
		        OR NOT EXISTS (
		            SELECT 1 FROM jobs j
		             WHERE j.id = b.current_job_id
		               AND j.status = 'processing'
		               AND j.started_at < $1))`, startedBefore)
	if err != nil {
		return marked, 0, fmt.Errorf("failed to clear recovered bots: %w", err)
	}
	cleared = int(tag.RowsAffected())

	return marked, cleared, nil
}

// PurgeDeletedBots hard-deletes bots soft-deleted before the cutoff
// along with their result history. In dry-run mode it only counts.
func (s *Store) PurgeDeletedBots(ctx context.Context, deletedBefore time.Time, dryRun bool) (botsPurged, resultsPurged int, err error) {
	err = s.executeInTransaction(ctx, "purge_deleted_bots", func(tx *Store) error {
		if dryRun {
			if err := tx.db.QueryRow(ctx, `
				SELECT COUNT(*),
				       (SELECT COUNT(*) FROM results r
				         WHERE r.processed_by IN
				               (SELECT id FROM bots WHERE deleted_at < $1))
				  FROM bots WHERE deleted_at < $1`, deletedBefore).
				Scan(&botsPurged, &resultsPurged); err != nil {
				return fmt.Errorf("failed to count purgeable bots: %w", err)
			}
			return nil
		}

		tag, err := tx.db.Exec(ctx, `
			DELETE FROM results
			 WHERE processed_by IN (SELECT id FROM bots WHERE deleted_at < $1)`,
			deletedBefore)
		if err != nil {
			return fmt.Errorf("failed to purge results: %w", err)
		}
		resultsPurged = int(tag.RowsAffected())

		tag, err = tx.db.Exec(ctx,
			`DELETE FROM bots WHERE deleted_at < $1`, deletedBefore)
		if err != nil {
			return fmt.Errorf("failed to purge bots: %w", err)
		}
		botsPurged = int(tag.RowsAffected())
		return nil
	})
	return botsPurged, resultsPurged, err
}

// RecordCleanupRun appends a cleanup run to the bounded history.
func (s *Store) RecordCleanupRun(ctx context.Context, run recovery.CleanupRun) error {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO cleanup_runs (started_at, finished_at, dry_run, bots_purged, results_purged)
		VALUES ($1, $2, $3, $4, $5)`,
		run.StartedAt, run.FinishedAt, run.DryRun, run.BotsPurged, run.ResultsPurged); err != nil {
		return fmt.Errorf("failed to record cleanup run: %w", err)
	}
	return nil
}

// ListCleanupRuns returns the most recent cleanup runs, newest first.
func (s *Store) ListCleanupRuns(ctx context.Context, limit int) ([]recovery.CleanupRun, error) {
	rows, err := s.db.Query(ctx, `
		SELECT started_at, finished_at, dry_run, bots_purged, results_purged
		  FROM cleanup_runs
		 ORDER BY id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cleanup runs: %w", err)
	}
	defer rows.Close()

	var runs []recovery.CleanupRun
	for rows.Next() {
		var run recovery.CleanupRun
		if err := rows.Scan(&run.StartedAt, &run.FinishedAt, &run.DryRun,
			&run.BotsPurged, &run.ResultsPurged); err != nil {
			return nil, fmt.Errorf("failed to scan cleanup run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cleanup runs: %w", err)
	}
	return runs, nil
}

// CountBotsByStatus returns live bot counts per status plus the number
// annotated potentially_stuck, for the metrics view.
func (s *Store) CountBotsByStatus(ctx context.Context) (map[domain.BotStatus]int, int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT status, COUNT(*), COUNT(*) FILTER (WHERE health_status = 'potentially_stuck')
		  FROM bots WHERE deleted_at IS NULL
		 GROUP BY status`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count bots: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.BotStatus]int)
	stuck := 0
	for rows.Next() {
		var status domain.BotStatus
		var n, stuckN int
		if err := rows.Scan(&status, &n, &stuckN); err != nil {
			return nil, 0, fmt.Errorf("failed to scan bot count: %w", err)
		}
		counts[status] = n
		stuck += stuckN
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read bot counts: %w", err)
	}
	return counts, stuck, nil
}

// ActivityStats summarizes recent throughput for the metrics view.
func (s *Store) ActivityStats(ctx context.Context, since time.Time) (processed int, avgDurationMS float64, err error) {
	err = s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(AVG(duration_ms), 0)
		  FROM results WHERE processed_at > $1`, since).
		Scan(&processed, &avgDurationMS)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to aggregate activity: %w", err)
	}
	return processed, avgDurationMS, nil
}
