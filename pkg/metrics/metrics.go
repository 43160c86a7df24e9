// Package metrics exposes the cluster's Prometheus collectors. Gauges
// reflecting cluster state are refreshed by the runtime's metrics loop;
// counters and histograms are driven at the call sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NodesByStatus tracks cluster membership per role and status
	NodesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "cluster",
		Name:      "nodes",
		Help:      "Number of cluster nodes by role and status",
	}, []string{"role", "status"})

	// HasQuorum is 1 when the cluster holds a healthy majority
	HasQuorum = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "cluster",
		Name:      "has_quorum",
		Help:      "Whether the cluster currently has quorum (1 or 0)",
	})

	// ActiveAlerts counts unresolved alerts by severity
	ActiveAlerts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "cluster",
		Name:      "active_alerts",
		Help:      "Number of unresolved cluster alerts by severity",
	}, []string{"severity"})

	// ReplicationLagSeconds is the local node's replication lag
	ReplicationLagSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "replication",
		Name:      "lag_seconds",
		Help:      "Age of the oldest outstanding replication event",
	})

	// ReplicationEvents counts log events by status
	ReplicationEvents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "replication",
		Name:      "events",
		Help:      "Replication log events by status",
	}, []string{"status"})

	// EventsApplied counts inbound replication events applied locally
	EventsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "replication",
		Name:      "events_applied_total",
		Help:      "Total inbound replication events applied",
	})

	// RoutedRequests counts forwarded requests by target node and outcome
	RoutedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "router",
		Name:      "requests_total",
		Help:      "Requests routed through the cluster by target node and outcome",
	}, []string{"node", "outcome"})

	// RequestDuration observes forwarded request latency
	RequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "burrow",
		Subsystem: "router",
		Name:      "request_duration_seconds",
		Help:      "Latency of requests routed through the cluster",
		Buckets:   prometheus.DefBuckets,
	})

	// CircuitState reports each node's breaker state (0 closed, 1
	// half-open, 2 open)
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "router",
		Name:      "circuit_state",
		Help:      "Circuit breaker state per node (0 closed, 1 half-open, 2 open)",
	}, []string{"node"})

	// Migrations counts migration runs by type and final status
	Migrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "migration",
		Name:      "runs_total",
		Help:      "Migration runs by type and outcome",
	}, []string{"type", "status"})

	// MigrationBytes observes produced package sizes
	MigrationBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "burrow",
		Subsystem: "migration",
		Name:      "package_bytes",
		Help:      "Size distribution of produced migration packages",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	})
)
