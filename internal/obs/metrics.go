package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var HeartbeatsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetswitch",
		Subsystem: "agents",
		Name:      "heartbeats_total",
		Help:      "Total number of agent heartbeats received.",
	},
	[]string{"status"},
)

var AgentsOfflineTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetswitch",
		Subsystem: "agents",
		Name:      "marked_offline_total",
		Help:      "Total number of agents marked offline by the heartbeat sweep.",
	},
)

var CommandsEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetswitch",
		Subsystem: "dispatch",
		Name:      "commands_enqueued_total",
		Help:      "Total number of commands enqueued, by command type.",
	},
	[]string{"command_type"},
)

var CommandsExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetswitch",
		Subsystem: "dispatch",
		Name:      "commands_expired_total",
		Help:      "Total number of commands expired past their deadline.",
	},
)

var SwitchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetswitch",
		Subsystem: "switches",
		Name:      "total",
		Help:      "Total completed cutovers, by trigger.",
	},
	[]string{"trigger"},
)

var SwitchSavingsPerHour = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fleetswitch",
		Subsystem: "switches",
		Name:      "savings_per_hour",
		Help:      "Recorded savings_impact_per_hour of completed cutovers.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"trigger"},
)

var SafetyOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetswitch",
		Subsystem: "safety",
		Name:      "outcomes_total",
		Help:      "Safety enforcer outcomes, by outcome and severity.",
	},
	[]string{"outcome", "severity"},
)

var PricingConsolidationDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fleetswitch",
		Subsystem: "pricing",
		Name:      "consolidation_duration_seconds",
		Help:      "Duration of a pricing consolidation run.",
		Buckets:   prometheus.DefBuckets,
	},
)

var PriceSamplesDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetswitch",
		Subsystem: "pricing",
		Name:      "samples_dropped_total",
		Help:      "Total raw price samples dropped by the per-pool ingestion buffer.",
	},
	[]string{"pool_id"},
)

var ZombiesOfferedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fleetswitch",
		Subsystem: "scheduler",
		Name:      "zombies_offered_total",
		Help:      "Total zombie/unconfirmed-terminated instances offered on an agent's termination list by the zombie reaper.",
	},
)

var EmergencyActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetswitch",
		Subsystem: "emergency",
		Name:      "actions_total",
		Help:      "Total emergency orchestrator actions, by entry point.",
	},
	[]string{"entry_point"},
)

var DecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetswitch",
		Subsystem: "decision",
		Name:      "total",
		Help:      "Total decisions made by the harness, by action and reason.",
	},
	[]string{"action", "reason"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus every collector returned by All.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}

// All returns every fleetswitch-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HeartbeatsTotal,
		AgentsOfflineTotal,
		CommandsEnqueuedTotal,
		CommandsExpiredTotal,
		SwitchesTotal,
		SwitchSavingsPerHour,
		SafetyOutcomesTotal,
		PricingConsolidationDuration,
		PriceSamplesDroppedTotal,
		ZombiesOfferedTotal,
		EmergencyActionsTotal,
		DecisionsTotal,
	}
}
