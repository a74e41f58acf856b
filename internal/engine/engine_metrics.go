package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransitionsTotal counts state transitions by resulting state.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "actp",
			Name:      "engine_transitions_total",
			Help:      "Transaction state transitions by resulting state.",
		},
		[]string{"state"},
	)

	// TriggersTotal counts scheduler trigger firings by kind and outcome.
	TriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "actp",
			Name:      "scheduler_triggers_total",
			Help:      "Scheduler trigger firings by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		TransitionsTotal,
		TriggersTotal,
	)
}

func observeTransition(state State) {
	TransitionsTotal.WithLabelValues(string(state)).Inc()
}

func observeTrigger(kind TriggerKind, outcome string) {
	TriggersTotal.WithLabelValues(string(kind), outcome).Inc()
}
