package domain

import "errors"

// Domain errors returned by repositories and services. The HTTP layer
// maps these to status codes in response.FromDomainError.

var (
	// ErrJobNotFound indicates the requested job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrBotNotFound indicates the bot does not exist or is soft-deleted.
	ErrBotNotFound = errors.New("bot not found")

	// ErrInvalidID indicates the provided ID is not a valid UUID.
	ErrInvalidID = errors.New("invalid ID format")

	// ErrBotBusy indicates the bot already holds an active job and
	// cannot claim another one.
	ErrBotBusy = errors.New("bot already has an active job")

	// ErrJobNotClaimable indicates the job is not in a state that allows
	// the requested transition (for example starting a job that is no
	// longer claimed).
	ErrJobNotClaimable = errors.New("job not in expected state")

	// ErrJobOwnershipLost indicates the job's database state no longer
	// names the caller as owner. The conflicting writer wins.
	ErrJobOwnershipLost = errors.New("job ownership lost")

	// ErrUnknownOperation indicates the operation name is not in the
	// registry.
	ErrUnknownOperation = errors.New("unknown operation")

	// ErrDivisionByZero is the execution error for divide with b == 0.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates valid credentials without the required
	// scope or admin privilege.
	ErrForbidden = errors.New("forbidden")

	// ErrAuthLocked indicates the credential is in a lockout window
	// after repeated failed authentications.
	ErrAuthLocked = errors.New("authentication temporarily locked")

	// ErrClientVersionTooOld indicates the client must upgrade before
	// the server will issue a token.
	ErrClientVersionTooOld = errors.New("client version too old")

	// ErrInvalidInput indicates a structurally invalid request payload.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIdempotencyMismatch indicates an Idempotency-Key was replayed
	// with a different request payload.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different payload")
)
