package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	positionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "positions_accepted_total",
		Help:      "Position reports accepted by the ingestion pipeline",
	})

	positionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "positions_rejected_total",
		Help:      "Position reports rejected, by fault code",
	}, []string{"reason"})

	ingestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "railwatch",
		Name:      "ingest_queue_depth",
		Help:      "Pending reports in the bounded ingestion queue",
	})

	sectionTransitions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "section_transitions_total",
		Help:      "Occupancy transitions (section exit + entry pairs)",
	})
)

// IncPositionAccepted counts one accepted report.
func IncPositionAccepted() { positionsAccepted.Inc() }

// IncPositionRejected counts one rejection by fault code.
func IncPositionRejected(reason string) { positionsRejected.WithLabelValues(reason).Inc() }

// SetIngestQueueDepth publishes the current queue depth.
func SetIngestQueueDepth(n int) { ingestQueueDepth.Set(float64(n)) }

// IncSectionTransition counts one section transition.
func IncSectionTransition() { sectionTransitions.Inc() }
