// Package metrics defines the engine's Prometheus collectors, one file per
// concern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	detectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "railwatch",
		Name:      "detect_duration_seconds",
		Help:      "Wall time of a full detection run",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	conflictsFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "conflicts_found_total",
		Help:      "Conflicts emitted by detection runs, by type",
	}, []string{"type"})

	conflictsDedup = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "conflicts_dedup_total",
		Help:      "Detected conflicts merged into an existing open conflict",
	})

	skippedTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "detect_skipped_ticks_total",
		Help:      "Scheduler ticks skipped because a run was still active",
	})

	slowRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "detect_slow_runs_total",
		Help:      "Detection runs cancelled for exceeding the timeout",
	})
)

// ObserveDetection records one detection run.
func ObserveDetection(d time.Duration) { detectDuration.Observe(d.Seconds()) }

// IncConflictFound counts a newly emitted conflict.
func IncConflictFound(conflictType string) { conflictsFound.WithLabelValues(conflictType).Inc() }

// IncConflictDedup counts a merge into an existing conflict.
func IncConflictDedup() { conflictsDedup.Inc() }

// IncSkippedTick counts a skipped scheduler tick.
func IncSkippedTick() { skippedTicks.Inc() }

// IncSlowRun counts a timed-out detection run.
func IncSlowRun() { slowRuns.Inc() }
