package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gate metrics.
var (
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketgate_gate_decisions_total",
		Help: "Gate outcomes by decision (continue, blocked, throttled)",
	}, []string{"decision"})

	ThrottleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketgate_throttle_rejections_total",
		Help: "Actions denied by the sliding-window rate limiter",
	})

	ThrottleFailOpen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketgate_throttle_fail_open_total",
		Help: "Rate checks admitted because of a storage error",
	})
)

// Broadcast metrics.
var (
	BroadcastDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketgate_broadcast_deliveries_total",
		Help: "Per-recipient broadcast delivery attempts by result",
	}, []string{"result"})
)

// Maintenance metrics.
var (
	ActivityPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketgate_activity_records_pruned_total",
		Help: "Activity records removed by the daily pruning job",
	})

	FilesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketgate_files_pruned_total",
		Help: "Expired files removed by the daily pruning job",
	})
)
