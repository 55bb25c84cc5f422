package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridworks/dispatch/internal/domain"
)

const (
	defaultPopulateInterval = 30 * time.Second
	defaultPopulateBatch    = 10
)

// JobCreator inserts a batch of synthetic jobs. An empty operation
// spreads the batch across the whole registry.
type JobCreator interface {
	Populate(ctx context.Context, count int, operation string) ([]domain.Job, error)
}

// Populator periodically feeds the queue with synthetic jobs so the
// full claim/process/report path stays exercised even without external
// traffic.
type Populator struct {
	jobs     JobCreator
	interval time.Duration
	batch    int
}

// NewPopulator creates the auto-populate loop. Non-positive interval
// or batch values fall back to defaults.
func NewPopulator(jobs JobCreator, interval time.Duration, batch int) *Populator {
	if interval <= 0 {
		interval = defaultPopulateInterval
	}
	if batch <= 0 {
		batch = defaultPopulateBatch
	}
	return &Populator{jobs: jobs, interval: interval, batch: batch}
}

// Start runs the loop until the context is cancelled.
func (p *Populator) Start(ctx context.Context) {
	slog.InfoContext(ctx, "auto-populate started",
		"interval", p.interval, "batch_size", p.batch)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "auto-populate stopped")
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "auto-populate batch failed", "error", err)
			}
		}
	}
}

// RunOnce inserts a single batch.
func (p *Populator) RunOnce(ctx context.Context) error {
	jobs, err := p.jobs.Populate(ctx, p.batch, "")
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "auto-populated jobs", "count", len(jobs))
	return nil
}
