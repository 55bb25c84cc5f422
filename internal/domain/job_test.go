package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobStatus
		to   JobStatus
		want bool
	}{
		{"pending to claimed", JobStatusPending, JobStatusClaimed, true},
		{"claimed to processing", JobStatusClaimed, JobStatusProcessing, true},
		{"claimed released to pending", JobStatusClaimed, JobStatusPending, true},
		{"claimed to failed", JobStatusClaimed, JobStatusFailed, true},
		{"processing to succeeded", JobStatusProcessing, JobStatusSucceeded, true},
		{"processing to failed", JobStatusProcessing, JobStatusFailed, true},
		{"processing released to pending", JobStatusProcessing, JobStatusPending, true},
		{"pending cannot start", JobStatusPending, JobStatusProcessing, false},
		{"claimed cannot succeed", JobStatusClaimed, JobStatusSucceeded, false},
		{"pending cannot succeed", JobStatusPending, JobStatusSucceeded, false},
		{"succeeded is terminal", JobStatusSucceeded, JobStatusPending, false},
		{"failed is terminal", JobStatusFailed, JobStatusClaimed, false},
		{"no self loop", JobStatusClaimed, JobStatusClaimed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, JobStatusSucceeded.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusClaimed.Terminal())
	assert.False(t, JobStatusProcessing.Terminal())
}

func TestBotLifecycle(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		heartbeat time.Time
		deleted   bool
		want      BotLifecycle
	}{
		{"fresh heartbeat", now.Add(-10 * time.Second), false, BotLifecycleActive},
		{"exactly at stale boundary", now.Add(-2 * time.Minute), false, BotLifecycleActive},
		{"stale", now.Add(-5 * time.Minute), false, BotLifecycleStale},
		{"dead", now.Add(-11 * time.Minute), false, BotLifecycleDead},
		{"deleted wins over recency", now.Add(-1 * time.Second), true, BotLifecycleDeleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Bot{LastHeartbeatAt: tt.heartbeat}
			if tt.deleted {
				deletedAt := now.Add(-time.Hour)
				b.DeletedAt = &deletedAt
			}
			assert.Equal(t, tt.want, b.Lifecycle(now))
		})
	}
}
