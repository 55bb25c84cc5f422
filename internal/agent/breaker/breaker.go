// Package breaker implements the circuit breakers that guard the
// agent's outbound calls to the coordinator. Breaker state is local to
// the process.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow when the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// Settings tunes one breaker. Zero values select the defaults.
type Settings struct {
	// FailureThreshold is the number of consecutive failures in the
	// closed state that opens the breaker.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before it
	// permits a trial call.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls bounds the trial calls admitted while half open.
	HalfOpenMaxCalls int
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
	defaultHalfOpenMaxCalls = 3
)

// Breaker is a three-state circuit breaker. Allow must be paired with
// exactly one Success or Failure per admitted call.
type Breaker struct {
	name     string
	settings Settings

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	halfOpenUsed int

	now func() time.Time
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = defaultFailureThreshold
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = defaultRecoveryTimeout
	}
	if settings.HalfOpenMaxCalls <= 0 {
		settings.HalfOpenMaxCalls = defaultHalfOpenMaxCalls
	}
	return &Breaker{
		name:     name,
		settings: settings,
		state:    StateClosed,
		now:      time.Now,
	}
}

// Name identifies the call class this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State reports the current position, accounting for recovery-timeout
// expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeToHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed. It returns ErrOpen while
// the breaker is open or the half-open trial budget is spent.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeToHalfOpen()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.halfOpenUsed >= b.settings.HalfOpenMaxCalls {
			return ErrOpen
		}
		b.halfOpenUsed++
		return nil
	default:
		return ErrOpen
	}
}

// Success records a successful call. In half open it closes the
// breaker; in closed it resets the failure counter.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.toClosed()
	case StateClosed:
		b.failures = 0
	}
}

// Failure records a failed call. In closed it opens the breaker once
// the threshold is reached; in half open it reopens immediately.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.toOpen()
	case StateClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.toOpen()
		}
	}
}

// maybeToHalfOpen moves open to half_open once the recovery timeout has
// elapsed. Caller holds the lock.
func (b *Breaker) maybeToHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.settings.RecoveryTimeout {
		b.state = StateHalfOpen
		b.halfOpenUsed = 0
	}
}

func (b *Breaker) toOpen() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.failures = 0
	b.halfOpenUsed = 0
}
