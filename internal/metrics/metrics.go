// Package metrics holds the process-wide Prometheus collectors for the
// coordinator. The JSON /metrics view served to agents is independent
// of this registry; these counters back the operator-facing scrape
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsCreated counts jobs inserted by populate calls and the
	// auto-populate loop.
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "jobs_created_total",
		Help:      "Jobs inserted into the queue.",
	})

	// JobsClaimed counts successful claim transactions.
	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "jobs_claimed_total",
		Help:      "Jobs atomically claimed by bots.",
	})

	// JobsFinished counts terminal transitions by outcome.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "jobs_finished_total",
		Help:      "Jobs reaching a terminal state.",
	}, []string{"status"})

	// RecoveryRepairs counts repairs per recovery loop.
	RecoveryRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "recovery_repairs_total",
		Help:      "Stuck or orphaned jobs repaired, by loop.",
	}, []string{"loop"})

	// AuthFailures counts rejected token requests.
	AuthFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "auth_failures_total",
		Help:      "Rejected token issuance attempts.",
	})

	// ArchiveWriteFailures counts best-effort archive appends that
	// were dropped.
	ArchiveWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatch",
		Name:      "archive_write_failures_total",
		Help:      "Result archive appends that failed.",
	})
)
