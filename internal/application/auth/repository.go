package auth

import (
	"context"
	"time"
)

// Credential is a stored bot principal. SecretHash is a bcrypt hash;
// plaintext secrets never reach this layer.
type Credential struct {
	BotKey     string
	SecretHash string
	Enabled    bool
}

// Guard tracks authentication failures for one bot key. A nil guard
// means the key has no recorded failures.
type Guard struct {
	BotKey         string
	FailedAttempts int
	LastFailedAt   *time.Time
	LockedUntil    *time.Time
}

// Repository defines the persistence operations the auth service needs.
type Repository interface {
	FindCredential(ctx context.Context, botKey string) (*Credential, error)
	GetGuard(ctx context.Context, botKey string) (*Guard, error)
	SaveGuard(ctx context.Context, g Guard) error
	ClearGuard(ctx context.Context, botKey string) error
}
