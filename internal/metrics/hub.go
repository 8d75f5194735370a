package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hubDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "hub_events_delivered_total",
		Help:      "Events delivered to hub clients, by event kind",
	}, []string{"kind"})

	hubBacklogDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "hub_backlog_drops_total",
		Help:      "Events dropped because a client backlog exceeded the soft limit",
	})

	hubSlowCloses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "railwatch",
		Name:      "hub_slow_client_closes_total",
		Help:      "Connections closed for overflowing the hard backlog limit",
	})

	hubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "railwatch",
		Name:      "hub_clients",
		Help:      "Currently connected hub clients",
	})
)

// IncHubDelivered counts one delivered event.
func IncHubDelivered(kind string) { hubDelivered.WithLabelValues(kind).Inc() }

// IncBacklogDrop counts one soft-limit drop.
func IncBacklogDrop() { hubBacklogDrops.Inc() }

// IncSlowClientClose counts one hard-limit disconnect.
func IncSlowClientClose() { hubSlowCloses.Inc() }

// AddHubClients adjusts the connected-client gauge.
func AddHubClients(delta int) { hubClients.Add(float64(delta)) }
