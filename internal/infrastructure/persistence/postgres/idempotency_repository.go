package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gridworks/dispatch/internal/application/bot"
	"github.com/gridworks/dispatch/internal/domain"
)

// GetIdempotencyRecord returns the cached registration response for
// (key, botKey), or nil when the key has not been seen.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key, botKey string) (*bot.IdempotencyRecord, error) {
	var rec bot.IdempotencyRecord
	err := s.db.QueryRow(ctx, `
		SELECT key, bot_key, request_hash, response_body, created_at
		  FROM idempotency_keys WHERE key = $1 AND bot_key = $2`, key, botKey).
		Scan(&rec.Key, &rec.BotKey, &rec.RequestHash, &rec.ResponseBody, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &rec, nil
}

// errIdempotencyRace aborts a registration transaction when another
// writer cached the same key first.
var errIdempotencyRace = errors.New("idempotency key already cached")

// RegisterBot inserts the bot row and its cached registration response
// in a single transaction. When a concurrent registration with the same
// key commits first, the bot insert is rolled back and the winner's
// record is returned for replay.
func (s *Store) RegisterBot(ctx context.Context, b domain.Bot, rec bot.IdempotencyRecord) (*bot.IdempotencyRecord, error) {
	err := s.executeInTransaction(ctx, "register_bot", func(tx *Store) error {
		if err := tx.CreateBot(ctx, b); err != nil {
			return err
		}

		tag, err := tx.db.Exec(ctx, `
			INSERT INTO idempotency_keys (key, bot_key, request_hash, response_body, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (key, bot_key) DO NOTHING`,
			rec.Key, rec.BotKey, rec.RequestHash, rec.ResponseBody, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save idempotency record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errIdempotencyRace
		}
		return nil
	})
	if errors.Is(err, errIdempotencyRace) {
		return s.GetIdempotencyRecord(ctx, rec.Key, rec.BotKey)
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// PurgeIdempotencyKeys drops cached responses older than the TTL.
func (s *Store) PurgeIdempotencyKeys(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
