package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "decisions_submitted_total",
		Help:      "Accepted controller decisions, by action",
	}, []string{"action"})

	decisionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "decisions_executed_total",
		Help:      "Deferred executions completed, by outcome",
	}, []string{"outcome"})

	decisionRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "decision_retries_total",
		Help:      "Failed executions re-enqueued by the reaper",
	})

	approvalsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "railwatch",
		Name:      "decision_approvals_pending",
		Help:      "Decisions waiting for approval",
	})
)

// IncDecisionSubmitted counts an accepted decision.
func IncDecisionSubmitted(action string) { decisionsSubmitted.WithLabelValues(action).Inc() }

// IncDecisionExecuted counts a completed deferred execution.
func IncDecisionExecuted(outcome string) { decisionsExecuted.WithLabelValues(outcome).Inc() }

// IncDecisionRetry counts a reaper retry.
func IncDecisionRetry() { decisionRetries.Inc() }

// AddApprovalsPending adjusts the pending-approval gauge.
func AddApprovalsPending(delta int) { approvalsPending.Add(float64(delta)) }
