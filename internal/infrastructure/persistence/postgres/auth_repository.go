package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gridworks/dispatch/internal/application/auth"
	"github.com/gridworks/dispatch/internal/domain"
)

// FindCredential retrieves the stored credential for a bot key.
// Missing keys surface as ErrUnauthorized so callers cannot
// distinguish them from a bad secret.
func (s *Store) FindCredential(ctx context.Context, botKey string) (*auth.Credential, error) {
	var c auth.Credential
	err := s.db.QueryRow(ctx, `
		SELECT bot_key, secret_hash, enabled
		  FROM bot_credentials WHERE bot_key = $1`, botKey).
		Scan(&c.BotKey, &c.SecretHash, &c.Enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: unknown credential", domain.ErrUnauthorized)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}

// CreateCredential stores a new bot credential. The secret arrives
// already hashed; plaintext never reaches the store.
func (s *Store) CreateCredential(ctx context.Context, botKey, secretHash string) error {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO bot_credentials (bot_key, secret_hash) VALUES ($1, $2)`,
		botKey, secretHash); err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetGuard returns the auth failure guard for a bot key, or nil when
// the key has no recorded failures.
func (s *Store) GetGuard(ctx context.Context, botKey string) (*auth.Guard, error) {
	var g auth.Guard
	err := s.db.QueryRow(ctx, `
		SELECT bot_key, failed_attempts, last_failed_at, locked_until
		  FROM auth_guards WHERE bot_key = $1`, botKey).
		Scan(&g.BotKey, &g.FailedAttempts, &g.LastFailedAt, &g.LockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get auth guard: %w", err)
	}
	return &g, nil
}

// SaveGuard upserts the auth failure guard for a bot key.
func (s *Store) SaveGuard(ctx context.Context, g auth.Guard) error {
	if _, err := s.db.Exec(ctx, `
		INSERT INTO auth_guards (bot_key, failed_attempts, last_failed_at, locked_until)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bot_key) DO UPDATE
		   SET failed_attempts = EXCLUDED.failed_attempts,
		       last_failed_at = EXCLUDED.last_failed_at,
		       locked_until = EXCLUDED.locked_until`,
		g.BotKey, g.FailedAttempts, g.LastFailedAt, g.LockedUntil); err != nil {
		return fmt.Errorf("failed to save auth guard: %w", err)
	}
	return nil
}

// ClearGuard removes the guard after a successful authentication.
func (s *Store) ClearGuard(ctx context.Context, botKey string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM auth_guards WHERE bot_key = $1`, botKey); err != nil {
		return fmt.Errorf("failed to clear auth guard: %w", err)
	}
	return nil
}
