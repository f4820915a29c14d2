// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_jobs_submitted_total",
			Help: "Total number of generation jobs submitted",
		},
	)

	JobsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_terminal_total",
			Help: "Total number of generation jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "generation_job_duration_seconds",
			Help:    "Wall-clock duration from submission to terminal status",
			Buckets: []float64{10, 30, 60, 90, 120, 150, 180},
		},
	)

	PollsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_polls_total",
			Help: "Total number of status polls issued",
		},
	)

	PollErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_poll_errors_total",
			Help: "Total number of transient poll failures",
		},
	)

	QuotaDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_quota_denied_total",
			Help: "Total number of denied quota reservations",
		},
		[]string{"reason"},
	)

	QuotaRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_quota_rollbacks_total",
			Help: "Total number of quota reservations rolled back",
		},
	)

	RollbackRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_rollback_retries_total",
			Help: "Total number of queued rollback retry attempts",
		},
	)

	SecurityViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "generation_security_violations_total",
			Help: "Total number of entitlement cross-validation mismatches",
		},
	)

	RecoveryRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_recovery_runs_total",
			Help: "Total number of recovery reconciliations by outcome",
		},
		[]string{"outcome"},
	)
)
