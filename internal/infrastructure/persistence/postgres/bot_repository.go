package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gridworks/dispatch/internal/application/bot"
	"github.com/gridworks/dispatch/internal/domain"
)

const botColumns = `id, bot_key, status, health_status, assigned_operation,
	current_job_id, stuck_job_id, last_heartbeat_at, created_at, deleted_at`

func scanBot(row pgx.Row) (*domain.Bot, error) {
	var b domain.Bot
	err := row.Scan(&b.ID, &b.BotKey, &b.Status, &b.Health, &b.AssignedOperation,
		&b.CurrentJobID, &b.StuckJobID, &b.LastHeartbeatAt, &b.CreatedAt, &b.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBot persists a freshly registered bot.
func (s *Store) CreateBot(ctx context.Context, b domain.Bot) error {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO bots (id, bot_key, status, health_status, assigned_operation,
		                  last_heartbeat_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.BotKey, b.Status, b.Health, b.AssignedOperation,
		b.LastHeartbeatAt, b.CreatedAt); err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	return nil
}

// FindBotByID retrieves a bot regardless of deletion state. Callers
// decide whether soft-deleted rows are acceptable.
func (s *Store) FindBotByID(ctx context.Context, id uuid.UUID) (*domain.Bot, error) {
	b, err := scanBot(s.db.QueryRow(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: bot %s", domain.ErrBotNotFound, id)
		}
		return nil, fmt.Errorf("failed to get bot: %w", err)
	}
	return b, nil
}

// RecordHeartbeat bumps last_heartbeat_at for a live bot. O(1) write.
func (s *Store) RecordHeartbeat(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE bots SET last_heartbeat_at = $2
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: bot %s", domain.ErrBotNotFound, id)
	}
	return nil
}

// ListBots returns bots ordered by creation time, optionally including
// soft-deleted rows.
func (s *Store) ListBots(ctx context.Context, includeDeleted bool) ([]domain.Bot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+botColumns+`
		  FROM bots
		 WHERE $1 OR deleted_at IS NULL
		 ORDER BY created_at ASC`, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []domain.Bot
	for rows.Next() {
		var b domain.Bot
		if err := rows.Scan(&b.ID, &b.BotKey, &b.Status, &b.Health, &b.AssignedOperation,
			&b.CurrentJobID, &b.StuckJobID, &b.LastHeartbeatAt, &b.CreatedAt, &b.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bots: %w", err)
	}
	return bots, nil
}

// SoftDeleteBot marks the bot deleted and disposes of its active job:
// a processing job is terminally failed with the given reason, a
// claimed job goes back to pending for another bot.
func (s *Store) SoftDeleteBot(ctx context.Context, id uuid.UUID, reason string) error {
	err := s.executeInTransaction(ctx, "soft_delete_bot", func(tx *Store) error {
		b, err := tx.lockBot(ctx, id)
		if err != nil {
			return err
		}
		if b.DeletedAt != nil {
			return fmt.Errorf("%w: bot %s", domain.ErrBotNotFound, id)
		}

		if b.CurrentJobID != nil {
			j, err := tx.lockJob(ctx, *b.CurrentJobID)
			if err != nil {
				return err
			}

			switch j.Status {
			case domain.JobStatusProcessing:
				now := time.Now().UTC()
				if _, err := tx.db.Exec(ctx, `
					UPDATE jobs
					   SET status = 'failed', finished_at = $2,
					       attempts = attempts + 1, error = $3
					 WHERE id = $1`, j.ID, now, reason); err != nil {
					return fmt.Errorf("failed to fail orphaned job: %w", err)
				}
				if err := tx.insertResult(ctx, &domain.Result{
					ID:          uuid.New(),
					JobID:       j.ID,
					A:           j.A,
					B:           j.B,
					Operation:   j.Operation,
					Status:      domain.JobStatusFailed,
					Error:       &reason,
					ProcessedBy: id,
					ProcessedAt: now,
				}); err != nil {
					return err
				}
			case domain.JobStatusClaimed:
				if _, err := tx.releaseLockedJob(ctx, j); err != nil {
					return err
				}
			}
		}

		if _, err := tx.db.Exec(ctx, `
			UPDATE bots
			   SET deleted_at = $2, status = 'down', current_job_id = NULL,
			       health_status = 'normal', stuck_job_id = NULL
			 WHERE id = $1`, id, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to soft-delete bot: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "bot deleted", "bot_id", id, "reason", reason)
	return nil
}

// ResetBot force-idles a live bot: any held job is released back to
// pending and the health annotation is cleared.
func (s *Store) ResetBot(ctx context.Context, id uuid.UUID) error {
	err := s.executeInTransaction(ctx, "reset_bot", func(tx *Store) error {
		b, err := tx.lockBot(ctx, id)
		if err != nil {
			return err
		}
		if b.DeletedAt != nil {
			return fmt.Errorf("%w: bot %s", domain.ErrBotNotFound, id)
		}

		if b.CurrentJobID != nil {
			j, err := tx.lockJob(ctx, *b.CurrentJobID)
			if err != nil {
				return err
			}
			if _, err := tx.releaseLockedJob(ctx, j); err != nil {
				return err
			}
		}

		if _, err := tx.db.Exec(ctx, `
			UPDATE bots
			   SET current_job_id = NULL, status = 'idle',
			       health_status = 'normal', stuck_job_id = NULL
			 WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to reset bot: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "bot reset", "bot_id", id)
	return nil
}

// AssignOperation restricts (or with nil frees) the operations a bot
// may claim.
func (s *Store) AssignOperation(ctx context.Context, id uuid.UUID, operation *string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE bots SET assigned_operation = $2
		 WHERE id = $1 AND deleted_at IS NULL`, id, operation)
	if err != nil {
		return fmt.Errorf("failed to assign operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: bot %s", domain.ErrBotNotFound, id)
	}
	return nil
}

// BotStats aggregates a bot's processing history: totals, hourly
// throughput over the last 24h and the most recent results.
func (s *Store) BotStats(ctx context.Context, id uuid.UUID) (*bot.Stats, error) {
	if _, err := s.FindBotByID(ctx, id); err != nil {
		return nil, err
	}

	stats := &bot.Stats{BotID: id}

	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'succeeded'),
		       COUNT(*) FILTER (WHERE status = 'failed'),
		       COALESCE(AVG(duration_ms), 0)
		  FROM results WHERE processed_by = $1`, id).
		Scan(&stats.TotalProcessed, &stats.Succeeded, &stats.Failed, &stats.AvgDurationMS)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate bot results: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT date_trunc('hour', processed_at) AS bucket, COUNT(*)
		  FROM results
		 WHERE processed_by = $1 AND processed_at > now() - interval '24 hours'
		 GROUP BY bucket
		 ORDER BY bucket ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to bucket bot results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b bot.HourBucket
		if err := rows.Scan(&b.Hour, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan hour bucket: %w", err)
		}
		stats.Hourly = append(stats.Hourly, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read hour buckets: %w", err)
	}

	recent, err := s.recentResults(ctx, id, 10)
	if err != nil {
		return nil, err
	}
	stats.Recent = recent

	return stats, nil
}

func (s *Store) recentResults(ctx context.Context, botID uuid.UUID, limit int) ([]domain.Result, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, job_id, a, b, operation, value, status, error,
		       processed_by, duration_ms, processed_at
		  FROM results
		 WHERE processed_by = $1
		 ORDER BY processed_at DESC
		 LIMIT $2`, botID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent results: %w", err)
	}
	defer rows.Close()

	var results []domain.Result
	for rows.Next() {
		var r domain.Result
		if err := rows.Scan(&r.ID, &r.JobID, &r.A, &r.B, &r.Operation, &r.Value,
			&r.Status, &r.Error, &r.ProcessedBy, &r.DurationMS, &r.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read results: %w", err)
	}
	return results, nil
}

func (s *Store) lockBot(ctx context.Context, id uuid.UUID) (*domain.Bot, error) {
	b, err := scanBot(s.db.QueryRow(ctx,
		`SELECT `+botColumns+` FROM bots WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: bot %s", domain.ErrBotNotFound, id)
		}
		return nil, fmt.Errorf("failed to lock bot: %w", err)
	}
	return b, nil
}
