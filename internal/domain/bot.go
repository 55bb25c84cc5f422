package domain

import (
	"time"

	"github.com/google/uuid"
)

// BotStatus is the persisted worker state. CurrentJobID is non-nil
// exactly when the status is busy.
type BotStatus string

const (
	BotStatusIdle BotStatus = "idle"
	BotStatusBusy BotStatus = "busy"
	BotStatusDown BotStatus = "down"
)

// BotHealth annotates a bot the recovery monitor suspects is wedged.
type BotHealth string

const (
	BotHealthNormal           BotHealth = "normal"
	BotHealthPotentiallyStuck BotHealth = "potentially_stuck"
)

// BotLifecycle is computed from heartbeat recency, never stored.
type BotLifecycle string

const (
	BotLifecycleActive  BotLifecycle = "active"
	BotLifecycleStale   BotLifecycle = "stale"
	BotLifecycleDead    BotLifecycle = "dead"
	BotLifecycleDeleted BotLifecycle = "deleted"
)

const (
	// staleAfter is how long without a heartbeat before a bot is
	// considered stale, and deadAfter before it is considered dead.
	staleAfter = 2 * time.Minute
	deadAfter  = 10 * time.Minute
)

// Bot is a registered worker. BotKey is the stable credential identity;
// ID is the per-registration identity jobs are claimed under.
type Bot struct {
	ID                uuid.UUID
	BotKey            string
	Status            BotStatus
	Health            BotHealth
	AssignedOperation *string
	CurrentJobID      *uuid.UUID
	StuckJobID        *uuid.UUID
	LastHeartbeatAt   time.Time
	CreatedAt         time.Time
	DeletedAt         *time.Time
}

// Lifecycle derives the bot's liveness bucket at time now.
func (b Bot) Lifecycle(now time.Time) BotLifecycle {
	if b.DeletedAt != nil {
		return BotLifecycleDeleted
	}
	age := now.Sub(b.LastHeartbeatAt)
	switch {
	case age <= staleAfter:
		return BotLifecycleActive
	case age <= deadAfter:
		return BotLifecycleStale
	default:
		return BotLifecycleDead
	}
}
