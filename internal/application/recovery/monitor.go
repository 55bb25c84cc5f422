package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridworks/dispatch/internal/metrics"
)

const (
	// ReasonProcessingTimeout is the terminal error recorded on jobs
	// whose worker kept heartbeating but never reported a result.
	ReasonProcessingTimeout = "Processing timeout exceeded"

	// orphanHeartbeatGrace is how stale a claimer's heartbeat must be
	// before its claimed jobs are treated as orphaned.
	orphanHeartbeatGrace = 5 * time.Minute

	defaultCheckInterval     = 60 * time.Second
	defaultClaimedTimeout    = 5 * time.Minute
	defaultProcessingTimeout = 10 * time.Minute

	// repairBudget bounds per-loop work in a single cycle so a large
	// backlog never starves the ticker.
	repairBudget = 100
)

// Monitor runs the orphaned-claim, stuck-claim, stuck-processing and
// bot-health loops on a shared ticker.
type Monitor struct {
	repo              Repository
	checkInterval     time.Duration
	claimedTimeout    time.Duration
	processingTimeout time.Duration
	now               func() time.Time
}

// MonitorOption is a functional option for configuring Monitor.
type MonitorOption func(*Monitor)

// WithCheckInterval sets how often the monitor scans for anomalies.
func WithCheckInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.checkInterval = d
		}
	}
}

// WithClaimedTimeout sets how long a job may sit claimed before it is
// released regardless of claimer liveness.
func WithClaimedTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.claimedTimeout = d
		}
	}
}

// WithProcessingTimeout sets how long a job may sit processing before
// it is terminally failed.
func WithProcessingTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.processingTimeout = d
		}
	}
}

// NewMonitor creates a stuck-job monitor with the given repository and
// options.
func NewMonitor(repo Repository, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		repo:              repo,
		checkInterval:     defaultCheckInterval,
		claimedTimeout:    defaultClaimedTimeout,
		processingTimeout: defaultProcessingTimeout,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CycleStats summarizes one monitor pass.
type CycleStats struct {
	OrphansReleased int `json:"orphans_released"`
	ClaimsReleased  int `json:"claims_released"`
	TimeoutsFailed  int `json:"timeouts_failed"`
	BotsMarked      int `json:"bots_marked"`
	BotsCleared     int `json:"bots_cleared"`
}

// Total reports how many repairs the cycle committed.
func (s CycleStats) Total() int {
	return s.OrphansReleased + s.ClaimsReleased + s.TimeoutsFailed
}

// Start runs the monitor until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	slog.InfoContext(ctx, "recovery monitor started",
		"check_interval", m.checkInterval,
		"claimed_timeout", m.claimedTimeout,
		"processing_timeout", m.processingTimeout)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "recovery monitor stopped")
			return
		case <-ticker.C:
			stats, err := m.RunOnce(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "recovery cycle failed", "error", err)
				continue
			}
			if stats.Total() > 0 || stats.BotsMarked > 0 || stats.BotsCleared > 0 {
				slog.InfoContext(ctx, "recovery cycle repaired state",
					"orphans_released", stats.OrphansReleased,
					"claims_released", stats.ClaimsReleased,
					"timeouts_failed", stats.TimeoutsFailed,
					"bots_marked", stats.BotsMarked,
					"bots_cleared", stats.BotsCleared)
			}
		}
	}
}

// RunOnce executes a single pass of all four loops. List results are
// only candidates; each repair re-checks state inside its own
// transaction, so a rejected candidate is not an error.
func (m *Monitor) RunOnce(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	now := m.now()

	released, err := m.releaseOrphanedClaims(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.OrphansReleased = released

	released, err = m.releaseStuckClaims(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.ClaimsReleased = released

	failed, err := m.failStuckProcessing(ctx, now)
	if err != nil {
		return stats, err
	}
	stats.TimeoutsFailed = failed

	marked, cleared, err := m.repo.AnnotateBotHealth(ctx,
		now.Add(-m.processingTimeout), now.Add(-orphanHeartbeatGrace))
	if err != nil {
		return stats, err
	}
	stats.BotsMarked = marked
	stats.BotsCleared = cleared

	return stats, nil
}

func (m *Monitor) releaseOrphanedClaims(ctx context.Context, now time.Time) (int, error) {
	ids, err := m.repo.ListOrphanedClaims(ctx, now.Add(-orphanHeartbeatGrace), repairBudget)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		ok, err := m.repo.RepairRelease(ctx, id)
		if err != nil {
			slog.ErrorContext(ctx, "failed to release orphaned claim",
				"job_id", id, "reason", "auto-cleanup", "error", err)
			continue
		}
		if ok {
			released++
			metrics.RecoveryRepairs.WithLabelValues("orphaned_claim").Inc()
			slog.InfoContext(ctx, "released orphaned claim",
				"job_id", id, "reason", "auto-cleanup")
		}
	}
	return released, nil
}

func (m *Monitor) releaseStuckClaims(ctx context.Context, now time.Time) (int, error) {
	ids, err := m.repo.ListStuckClaims(ctx, now.Add(-m.claimedTimeout), repairBudget)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, id := range ids {
		ok, err := m.repo.RepairRelease(ctx, id)
		if err != nil {
			slog.ErrorContext(ctx, "failed to release stuck claim",
				"job_id", id, "reason", "auto-cleanup", "error", err)
			continue
		}
		if ok {
			released++
			metrics.RecoveryRepairs.WithLabelValues("stuck_claim").Inc()
			slog.InfoContext(ctx, "released stuck claim",
				"job_id", id, "reason", "auto-cleanup")
		}
	}
	return released, nil
}

func (m *Monitor) failStuckProcessing(ctx context.Context, now time.Time) (int, error) {
	startedBefore := now.Add(-m.processingTimeout)
	heartbeatAfter := now.Add(-orphanHeartbeatGrace)

	ids, err := m.repo.ListStuckProcessing(ctx, startedBefore, heartbeatAfter, repairBudget)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, id := range ids {
		result, err := m.repo.RepairTimeoutFail(ctx, id, startedBefore, ReasonProcessingTimeout)
		if err != nil {
			slog.ErrorContext(ctx, "failed to time out processing job",
				"job_id", id, "reason", "auto-cleanup", "error", err)
			continue
		}
		if result != nil {
			failed++
			metrics.RecoveryRepairs.WithLabelValues("stuck_processing").Inc()
			slog.WarnContext(ctx, "timed out processing job",
				"job_id", id, "bot_id", result.ProcessedBy, "reason", "auto-cleanup")
		}
	}
	return failed, nil
}
