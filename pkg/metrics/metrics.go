// Package metrics defines the Prometheus instrumentation for the daemon.
// All collectors register with the default registry and are served by the
// control API's /metrics endpoint.
//
// Naming follows Prometheus conventions: vigil_ prefix, _total suffix for
// counters, _seconds suffix for duration histograms.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAdmitted counts events admitted past debounce/throttle into the bus.
	EventsAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_events_admitted_total",
			Help: "Events admitted by the ingress queue, by event type.",
		},
		[]string{"type"},
	)

	// EventsDropped counts events discarded before reaching the bus.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_events_dropped_total",
			Help: "Events dropped by the ingress queue, by reason (debounce, throttle, queue_overflow).",
		},
		[]string{"reason"},
	)

	// QueueDepth is the current ingress queue depth.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_queue_depth",
			Help: "Current number of events waiting in the ingress priority queue.",
		},
	)

	// AgentRuns counts handler invocations by agent and terminal status.
	AgentRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_agent_runs_total",
			Help: "Agent handler invocations by agent and status (success, failure, timeout, cancelled, skipped).",
		},
		[]string{"agent", "status"},
	)

	// AgentRunDuration is a histogram of handler wall time by agent.
	AgentRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigil_agent_run_duration_seconds",
			Help:    "Agent handler duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"agent"},
	)

	// StoreWrites counts mutations applied by the context store writer.
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_store_writes_total",
			Help: "Context store mutations by operation (add, merge, resolve, evict).",
		},
		[]string{"op"},
	)

	// StoreFindings is the current number of findings per tier.
	StoreFindings = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_store_findings",
			Help: "Findings currently held per tier.",
		},
		[]string{"tier"},
	)

	// CollectorRestarts counts supervised collector restarts.
	CollectorRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_collector_restarts_total",
			Help: "Collector restarts by collector name.",
		},
		[]string{"collector"},
	)
)
