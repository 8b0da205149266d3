package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	MetricSnapshotsPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexdisco_xds_snapshots_pushed_total",
			Help: "Total number of xDS snapshots pushed to the cache",
		},
	)
	MetricSnapshotsInstalled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexdisco_config_snapshots_installed_total",
			Help: "Total number of gateway config snapshots installed",
		},
	)
	MetricSnapshotConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexdisco_config_snapshot_conflicts_total",
			Help: "Snapshot installations retried because another writer swapped first",
		},
	)
	MetricGatewayClusters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flexdisco_gateway_clusters",
			Help: "Number of clusters in the active gateway snapshot",
		},
	)
	MetricGatewayRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flexdisco_gateway_routes",
			Help: "Number of routes in the active gateway snapshot",
		},
	)
	MetricEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexdisco_events_published_total",
			Help: "Lifecycle events published, by topic and kind",
		},
		[]string{"topic", "kind"},
	)
	MetricEventsHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexdisco_events_handled_total",
			Help: "Lifecycle event deliveries, by topic, group and outcome (ok, retried, dead_letter)",
		},
		[]string{"topic", "group", "outcome"},
	)
	MetricDeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexdisco_dead_letters_total",
			Help: "Messages routed to the dead-letter sink, by topic",
		},
		[]string{"topic"},
	)
	MetricRegistryOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flexdisco_registry_operations_total",
			Help: "Registry store operations, by operation and result",
		},
		[]string{"op", "result"},
	)
	MetricRegistryExpirations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexdisco_registry_expirations_total",
			Help: "Registry entries removed by TTL expiry",
		},
	)
	MetricMalformedKeys = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flexdisco_registry_malformed_keys_total",
			Help: "Expiry notifications whose key could not be parsed",
		},
	)
	MetricServicesDiscovered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flexdisco_consul_services_discovered",
			Help: "Number of known service types with healthy instances in Consul",
		},
	)
)

// InitMetrics registers Prometheus metrics
func InitMetrics() {
	prometheus.MustRegister(
		MetricSnapshotsPushed,
		MetricSnapshotsInstalled,
		MetricSnapshotConflicts,
		MetricGatewayClusters,
		MetricGatewayRoutes,
		MetricEventsPublished,
		MetricEventsHandled,
		MetricDeadLetters,
		MetricRegistryOps,
		MetricRegistryExpirations,
		MetricMalformedKeys,
		MetricServicesDiscovered,
	)
}

// Result labels a store operation outcome
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
