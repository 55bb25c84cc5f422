package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusClaimed    JobStatus = "claimed"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// jobTransitions enumerates the legal job state machine. Revival of
// terminal jobs is intentionally absent.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusClaimed},
	// claimed -> pending covers release and stuck-claim recovery.
	JobStatusClaimed: {JobStatusProcessing, JobStatusPending, JobStatusFailed},
	// processing -> pending covers manual release of a live bot's job.
	JobStatusProcessing: {JobStatusSucceeded, JobStatusFailed, JobStatusPending},
}

// CanTransition reports whether moving a job from `from` to `to` is a
// legal state machine edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a single unit of arithmetic work flowing through the platform.
// The database row is the source of truth; in-memory copies are
// snapshots.
type Job struct {
	ID         uuid.UUID
	A          int64
	B          int64
	Operation  string
	Status     JobStatus
	ClaimedBy  *uuid.UUID
	Attempts   int
	Error      *string
	CreatedAt  time.Time
	ClaimedAt  *time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Result is the immutable record written when a job reaches a terminal
// state. Kept even after the producing bot is deleted.
type Result struct {
	ID          uuid.UUID
	JobID       uuid.UUID
	A           int64
	B           int64
	Operation   string
	Value       *int64
	Status      JobStatus
	Error       *string
	ProcessedBy uuid.UUID
	DurationMS  int64
	ProcessedAt time.Time
}
