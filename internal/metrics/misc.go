package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "ratelimit_exceeded_total",
		Help:      "Rate limit rejections, by endpoint kind",
	}, []string{"kind"})

	busDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "bus_publish_drops_total",
		Help:      "Bus publishes dropped, by topic and reason",
	}, []string{"topic", "reason"})

	aiTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "ai_timeouts_total",
		Help:      "AI strategy calls that hit their deadline",
	})

	aiFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "ai_fallbacks_total",
		Help:      "Falls back to the rule-based strategy, by cause",
	}, []string{"cause"})
)

// IncRateLimitExceeded counts a rejection for the endpoint kind.
func IncRateLimitExceeded(kind string) { rateLimitExceeded.WithLabelValues(kind).Inc() }

// IncBusDrop counts a dropped bus publish.
func IncBusDrop(topic, reason string) { busDrops.WithLabelValues(topic, reason).Inc() }

// IncAITimeout counts an AI deadline hit.
func IncAITimeout() { aiTimeouts.Inc() }

// IncAIFallback counts a fallback to the rule-based strategy.
func IncAIFallback(cause string) { aiFallbacks.WithLabelValues(cause).Inc() }
