// Package metrics holds every Prometheus collector RingForge Hub exposes on
// /metrics, shared by every component that needs to record a measurement
// without importing the HTTP layer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConnectedAgents tracks the number of locally attached WebSocket sessions,
// set by the gateway on register/unregister.
var ConnectedAgents = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "ringforge",
		Subsystem: "gateway",
		Name:      "connected_agents",
		Help:      "Number of agent sessions currently attached to this hub instance.",
	},
)

// TasksSubmittedTotal counts task:submit requests accepted by the scheduler, by type.
var TasksSubmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ringforge",
		Subsystem: "scheduler",
		Name:      "tasks_submitted_total",
		Help:      "Total number of tasks submitted, by type.",
	},
	[]string{"type"},
)

// TasksCompletedTotal counts terminal task transitions, by final status.
var TasksCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ringforge",
		Subsystem: "scheduler",
		Name:      "tasks_completed_total",
		Help:      "Total number of tasks reaching a terminal status, by status.",
	},
	[]string{"status"},
)

// BrokerDroppedTotal counts broker messages dropped because a subscriber's
// delivery queue was full, the bus backpressure signal named in spec §6.
var BrokerDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ringforge",
		Subsystem: "broker",
		Name:      "dropped_total",
		Help:      "Total number of messages dropped due to a full subscriber queue.",
	},
)

// AuthOutcomesTotal counts Authenticate results, by mode and outcome.
var AuthOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ringforge",
		Subsystem: "gateway",
		Name:      "auth_outcomes_total",
		Help:      "Total number of authentication attempts, by mode and outcome.",
	},
	[]string{"mode", "outcome"},
)

// All returns every RingForge-specific collector for registration with a
// prometheus.Registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		ConnectedAgents,
		TasksSubmittedTotal,
		TasksCompletedTotal,
		BrokerDroppedTotal,
		AuthOutcomesTotal,
	}
}
