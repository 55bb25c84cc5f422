// Package auth issues and verifies the short-lived bearer tokens bots
// use against the coordinator, and rate-limits credential guessing with
// a per-key progressive lockout.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/gridworks/dispatch/internal/domain"
)

const (
	// TokenIssuer and TokenAudience pin the claim set bots and the
	// coordinator agree on.
	TokenIssuer   = "dispatch-coordinator"
	TokenAudience = "workers"

	// RegisterScope must be present in a token used on the
	// registration endpoint.
	RegisterScope = "register"

	defaultTokenTTL = 15 * time.Minute

	failureThreshold = 5
	failureWindow    = 5 * time.Minute
)

// lockSteps is the progressive lockout schedule applied once the
// failure threshold is crossed.
var lockSteps = []time.Duration{
	1 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

// dummySecretHash keeps the bcrypt cost of unknown-key requests equal
// to wrong-secret requests so timing does not leak key existence.
var dummySecretHash, _ = bcrypt.GenerateFromPassword([]byte("dispatch-timing-pad"), bcrypt.DefaultCost)

// TokenEnvelope is the issue_token response payload.
type TokenEnvelope struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Claims is the validated view of a session token.
type Claims struct {
	BotKey    string
	Scope     string
	TokenID   string
	ExpiresAt time.Time
}

// HasScope reports whether the token carries the named scope.
func (c Claims) HasScope(scope string) bool {
	for _, s := range strings.Fields(c.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

type sessionClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// LockedError augments ErrAuthLocked with the remaining lockout so the
// transport can emit Retry-After.
type LockedError struct {
	RetryAfter time.Duration
}

func (e LockedError) Error() string {
	return fmt.Sprintf("%v: retry after %s", domain.ErrAuthLocked, e.RetryAfter)
}

func (e LockedError) Unwrap() error { return domain.ErrAuthLocked }

// Config holds auth service tuning.
type Config struct {
	// TokenTTL is the session lifetime. Zero selects the default
	// 15 minutes; values outside [600s, 1800s] are rejected by the
	// config layer.
	TokenTTL time.Duration

	// MinClientVersion, when set, rejects token requests from older
	// agents with an upgrade-required error.
	MinClientVersion string
}

// Service implements token issuance and verification.
type Service struct {
	repo Repository
	key  *SigningKey
	cfg  Config
	now  func() time.Time
}

// NewService creates an auth service.
func NewService(repo Repository, key *SigningKey, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	return &Service{
		repo: repo,
		key:  key,
		cfg:  cfg,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// TokenTTL exposes the configured session lifetime so registration can
// derive heartbeat guidance from it.
func (s *Service) TokenTTL() time.Duration { return s.cfg.TokenTTL }

// JWKS returns the public verification key set.
func (s *Service) JWKS() JWKS { return s.key.PublicJWKS() }

// IssueToken exchanges (bot_key, bootstrap_secret) for a signed session
// token. Unknown keys and wrong secrets are indistinguishable to the
// caller; the lockout check runs before any hash comparison.
func (s *Service) IssueToken(ctx context.Context, botKey, bootstrapSecret, clientVersion string) (*TokenEnvelope, error) {
	if botKey == "" || bootstrapSecret == "" {
		return nil, fmt.Errorf("%w: missing credentials", domain.ErrInvalidInput)
	}

	if s.cfg.MinClientVersion != "" && clientVersion != "" &&
		compareVersions(clientVersion, s.cfg.MinClientVersion) < 0 {
		return nil, fmt.Errorf("%w: minimum version %s", domain.ErrClientVersionTooOld, s.cfg.MinClientVersion)
	}

	now := s.now()

	guard, err := s.repo.GetGuard(ctx, botKey)
	if err != nil {
		return nil, err
	}
	if guard != nil && guard.LockedUntil != nil && guard.LockedUntil.After(now) {
		slog.WarnContext(ctx, "token request while locked",
			"bot_key", botKey,
			"locked_until", guard.LockedUntil)
		return nil, LockedError{RetryAfter: guard.LockedUntil.Sub(now)}
	}

	cred, credErr := s.repo.FindCredential(ctx, botKey)
	if credErr != nil {
		// Burn the same bcrypt cost as the known-key path.
		_ = bcrypt.CompareHashAndPassword(dummySecretHash, []byte(bootstrapSecret))
		if failErr := s.recordFailure(ctx, botKey, guard, now); failErr != nil {
			return nil, failErr
		}
		return nil, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
	}

	if !cred.Enabled {
		return nil, fmt.Errorf("%w: credential disabled", domain.ErrForbidden)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(cred.SecretHash), []byte(bootstrapSecret)); err != nil {
		if failErr := s.recordFailure(ctx, botKey, guard, now); failErr != nil {
			return nil, failErr
		}
		return nil, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
	}

	if err := s.repo.ClearGuard(ctx, botKey); err != nil {
		return nil, err
	}

	return s.mint(ctx, botKey, now)
}

func (s *Service) mint(ctx context.Context, botKey string, now time.Time) (*TokenEnvelope, error) {
	expires := now.Add(s.cfg.TokenTTL)
	claims := sessionClaims{
		Scope: RegisterScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   botKey,
			Audience:  jwt.ClaimStrings{TokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.key.ID

	signed, err := token.SignedString(s.key.Private)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	slog.InfoContext(ctx, "token issued",
		"bot_key", botKey,
		"expires_at", expires)

	return &TokenEnvelope{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.TokenTTL.Seconds()),
		IssuedAt:    now,
	}, nil
}

// VerifyToken parses and validates a bearer token and returns its
// claims.
func (s *Service) VerifyToken(ctx context.Context, bearer string) (*Claims, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(bearer, &claims,
		func(t *jwt.Token) (any, error) {
			if kid, _ := t.Header["kid"].(string); kid != s.key.ID {
				return nil, fmt.Errorf("unknown key id %q", t.Header["kid"])
			}
			return s.key.Private.Public(), nil
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(TokenIssuer),
		jwt.WithAudience(TokenAudience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	return &Claims{
		BotKey:    claims.Subject,
		Scope:     claims.Scope,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// recordFailure advances the sliding-window failure counter and, past
// the threshold, applies the progressive lockout schedule.
func (s *Service) recordFailure(ctx context.Context, botKey string, guard *Guard, now time.Time) error {
	attempts := 1
	if guard != nil && guard.LastFailedAt != nil && now.Sub(*guard.LastFailedAt) < failureWindow {
		attempts = guard.FailedAttempts + 1
	}

	g := Guard{
		BotKey:         botKey,
		FailedAttempts: attempts,
		LastFailedAt:   &now,
	}

	if attempts >= failureThreshold {
		step := attempts - failureThreshold
		if step >= len(lockSteps) {
			step = len(lockSteps) - 1
		}
		lockedUntil := now.Add(lockSteps[step])
		g.LockedUntil = &lockedUntil
		slog.WarnContext(ctx, "credential locked after repeated failures",
			"bot_key", botKey,
			"failed_attempts", attempts,
			"locked_until", lockedUntil)
	}

	return s.repo.SaveGuard(ctx, g)
}

// compareVersions compares dotted numeric versions, returning -1, 0 or
// 1. Non-numeric segments compare as zero.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
