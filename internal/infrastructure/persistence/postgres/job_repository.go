package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gridworks/dispatch/internal/application/job"
	"github.com/gridworks/dispatch/internal/domain"
)

const jobColumns = `id, a, b, operation, status, claimed_by, attempts, error,
	created_at, claimed_at, started_at, finished_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.A, &j.B, &j.Operation, &j.Status, &j.ClaimedBy,
		&j.Attempts, &j.Error, &j.CreatedAt, &j.ClaimedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJobs inserts a batch of pending jobs in one round trip.
func (s *Store) CreateJobs(ctx context.Context, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, j := range jobs {
		batch.Queue(`
			INSERT INTO jobs (id, a, b, operation, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			j.ID, j.A, j.B, j.Operation, domain.JobStatusPending, j.CreatedAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for range jobs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert job batch: %w", err)
		}
	}

	return nil
}

// FindJobByID retrieves a single job.
func (s *Store) FindJobByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", domain.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching the filter, newest first, plus the
// total count across all pages.
func (s *Store) ListJobs(ctx context.Context, params job.ListParams) ([]domain.Job, int, error) {
	limit := params.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var status *string
	if params.Status != "" {
		st := string(params.Status)
		status = &st
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+`, COUNT(*) OVER () AS total
		  FROM jobs
		 WHERE ($1::text IS NULL OR status = $1)
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		status, limit, params.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	var total int
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.ID, &j.A, &j.B, &j.Operation, &j.Status, &j.ClaimedBy,
			&j.Attempts, &j.Error, &j.CreatedAt, &j.ClaimedAt, &j.StartedAt, &j.FinishedAt,
			&total); err != nil {
			return nil, 0, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read jobs: %w", err)
	}

	return jobs, total, nil
}

// ClaimNextJob atomically assigns the oldest claimable pending job to
// the bot. Returns (nil, nil) when no pending job matches.
//
// The protocol locks the bot row first, rejects double claims, then
// selects a candidate with FOR UPDATE SKIP LOCKED so concurrent
// claimers never contend on the same row.
func (s *Store) ClaimNextJob(ctx context.Context, botID uuid.UUID) (*domain.Job, error) {
	var claimed *domain.Job

	err := s.executeInTransaction(ctx, "claim_next_job", func(tx *Store) error {
		var currentJobID *uuid.UUID
		var assignedOp *string
		err := tx.db.QueryRow(ctx, `
			SELECT current_job_id, assigned_operation
			  FROM bots
			 WHERE id = $1 AND deleted_at IS NULL
			 FOR UPDATE`, botID).Scan(&currentJobID, &assignedOp)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: bot %s", domain.ErrBotNotFound, botID)
			}
			return fmt.Errorf("failed to lock bot: %w", err)
		}

		if currentJobID != nil {
			return fmt.Errorf("%w: bot %s holds job %s", domain.ErrBotBusy, botID, currentJobID)
		}

		j, err := scanJob(tx.db.QueryRow(ctx, `
			SELECT `+jobColumns+`
			  FROM jobs
			 WHERE status = 'pending'
			   AND ($1::text IS NULL OR operation = $1)
			 ORDER BY created_at ASC
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`, assignedOp))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil // no pending work
			}
			return fmt.Errorf("failed to select pending job: %w", err)
		}

		now := time.Now().UTC()
		if _, err := tx.db.Exec(ctx, `
			UPDATE jobs
			   SET status = 'claimed', claimed_by = $2, claimed_at = $3
			 WHERE id = $1`, j.ID, botID, now); err != nil {
			return fmt.Errorf("failed to mark job claimed: %w", err)
		}

		// The partial unique index on bots.current_job_id is the
		// belt-and-braces guard: a conflicting assignment fails here.
		if _, err := tx.db.Exec(ctx, `
			UPDATE bots
			   SET current_job_id = $2, status = 'busy'
			 WHERE id = $1`, botID, j.ID); err != nil {
			return fmt.Errorf("failed to bind job to bot: %w", err)
		}

		j.Status = domain.JobStatusClaimed
		j.ClaimedBy = &botID
		j.ClaimedAt = &now
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		slog.InfoContext(ctx, "job claimed",
			"job_id", claimed.ID,
			"bot_id", botID,
			"operation", claimed.Operation)
	}
	return claimed, nil
}

// StartJob transitions a claimed job to processing. The state guard
// requires the caller to be the claim owner.
func (s *Store) StartJob(ctx context.Context, jobID, botID uuid.UUID) (*domain.Job, error) {
	var started *domain.Job

	err := s.executeInTransaction(ctx, "start_job", func(tx *Store) error {
		j, err := tx.lockJob(ctx, jobID)
		if err != nil {
			return err
		}

		if !domain.CanTransition(j.Status, domain.JobStatusProcessing) || j.ClaimedBy == nil || *j.ClaimedBy != botID {
			return fmt.Errorf("%w: job %s is %s", domain.ErrJobNotClaimable, jobID, j.Status)
		}

		now := time.Now().UTC()
		if _, err := tx.db.Exec(ctx, `
			UPDATE jobs SET status = 'processing', started_at = $2 WHERE id = $1`,
			jobID, now); err != nil {
			return fmt.Errorf("failed to mark job processing: %w", err)
		}

		j.Status = domain.JobStatusProcessing
		j.StartedAt = &now
		started = j
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "job started", "job_id", jobID, "bot_id", botID)
	return started, nil
}

// CompleteJob transitions a processing job to succeeded, emits the
// Result row and frees the bot, all in one transaction.
func (s *Store) CompleteJob(ctx context.Context, params job.CompleteParams) (*domain.Result, error) {
	result, err := s.finishJob(ctx, "complete_job", finishParams{
		JobID:      params.JobID,
		BotID:      params.BotID,
		Value:      &params.Value,
		DurationMS: params.DurationMS,
		Status:     domain.JobStatusSucceeded,
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "job succeeded",
		"job_id", params.JobID,
		"bot_id", params.BotID,
		"duration_ms", params.DurationMS)
	return result, nil
}

// FailJob transitions a processing job to failed, increments attempts,
// emits the failure Result and frees the bot.
func (s *Store) FailJob(ctx context.Context, params job.FailParams) (*domain.Result, error) {
	msg := params.Error
	result, err := s.finishJob(ctx, "fail_job", finishParams{
		JobID:      params.JobID,
		BotID:      params.BotID,
		Error:      &msg,
		DurationMS: params.DurationMS,
		Status:     domain.JobStatusFailed,
	})
	if err != nil {
		return nil, err
	}

	slog.WarnContext(ctx, "job failed",
		"job_id", params.JobID,
		"bot_id", params.BotID,
		"job_error", msg)
	return result, nil
}

type finishParams struct {
	JobID      uuid.UUID
	BotID      uuid.UUID
	Value      *int64
	Error      *string
	DurationMS int64
	Status     domain.JobStatus
}

func (s *Store) finishJob(ctx context.Context, opName string, p finishParams) (*domain.Result, error) {
	var result *domain.Result

	err := s.executeInTransaction(ctx, opName, func(tx *Store) error {
		j, err := tx.lockJob(ctx, p.JobID)
		if err != nil {
			return err
		}

		if !domain.CanTransition(j.Status, p.Status) || j.ClaimedBy == nil || *j.ClaimedBy != p.BotID {
			return fmt.Errorf("%w: job %s is %s", domain.ErrJobNotClaimable, p.JobID, j.Status)
		}

		now := time.Now().UTC()
		attempts := j.Attempts
		if p.Status == domain.JobStatusFailed {
			attempts++
		}

		if _, err := tx.db.Exec(ctx, `
			UPDATE jobs
			   SET status = $2, finished_at = $3, attempts = $4, error = $5
			 WHERE id = $1`,
			p.JobID, p.Status, now, attempts, p.Error); err != nil {
			return fmt.Errorf("failed to finish job: %w", err)
		}

		r := &domain.Result{
			ID:          uuid.New(),
			JobID:       j.ID,
			A:           j.A,
			B:           j.B,
			Operation:   j.Operation,
			Value:       p.Value,
			Status:      p.Status,
			Error:       p.Error,
			ProcessedBy: p.BotID,
			DurationMS:  p.DurationMS,
			ProcessedAt: now,
		}
		if err := tx.insertResult(ctx, r); err != nil {
			return err
		}

		if _, err := tx.db.Exec(ctx, `
			UPDATE bots
			   SET current_job_id = NULL, status = 'idle'
			 WHERE id = $1 AND current_job_id = $2`,
			p.BotID, p.JobID); err != nil {
			return fmt.Errorf("failed to free bot: %w", err)
		}

		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReleaseJob returns a claimed or processing job to pending, clears the
// owning bot and increments attempts. Used by admin release and the
// recovery loops.
func (s *Store) ReleaseJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	var released *domain.Job

	err := s.executeInTransaction(ctx, "release_job", func(tx *Store) error {
		j, err := tx.lockJob(ctx, jobID)
		if err != nil {
			return err
		}
		released, err = tx.releaseLockedJob(ctx, j)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "job released", "job_id", jobID, "attempts", released.Attempts)
	return released, nil
}

// releaseLockedJob applies the release action to a job already locked
// by the surrounding transaction.
func (s *Store) releaseLockedJob(ctx context.Context, j *domain.Job) (*domain.Job, error) {
	if !domain.CanTransition(j.Status, domain.JobStatusPending) {
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrJobNotClaimable, j.ID, j.Status)
	}

	if _, err := s.db.Exec(ctx, `
		UPDATE jobs
		   SET status = 'pending', claimed_by = NULL, claimed_at = NULL,
		       started_at = NULL, attempts = attempts + 1
		 WHERE id = $1`, j.ID); err != nil {
		return nil, fmt.Errorf("failed to release job: %w", err)
	}

	if j.ClaimedBy != nil {
		if _, err := s.db.Exec(ctx, `
			UPDATE bots
			   SET current_job_id = NULL, status = 'idle'
			 WHERE id = $1 AND current_job_id = $2`,
			*j.ClaimedBy, j.ID); err != nil {
			return nil, fmt.Errorf("failed to clear releasing bot: %w", err)
		}
	}

	j.Status = domain.JobStatusPending
	j.ClaimedBy = nil
	j.ClaimedAt = nil
	j.StartedAt = nil
	j.Attempts++
	return j, nil
}

func (s *Store) lockJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", domain.ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}
	return j, nil
}

func (s *Store) insertResult(ctx context.Context, r *domain.Result) error {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO results (id, job_id, a, b, operation, value, status, error,
		                     processed_by, duration_ms, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.JobID, r.A, r.B, r.Operation, r.Value, r.Status, r.Error,
		r.ProcessedBy, r.DurationMS, r.ProcessedAt); err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

// CountJobsByStatus returns per-status job counts for the metrics view.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status domain.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read job counts: %w", err)
	}
	return counts, nil
}
