// Package metrics exposes the coordinator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Migration outcomes used as the "outcome" label.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
)

// Default histogram buckets for migration latency (in seconds).
var migrationBuckets = []float64{
	.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// Metrics holds the collectors updated by the router, health monitor and
// migrator.
type Metrics struct {
	migrationsTotal   *prometheus.CounterVec
	migrationDuration *prometheus.HistogramVec
	migratedRecords   *prometheus.CounterVec
	shardRecords      *prometheus.GaugeVec
	shardHealthy      *prometheus.GaugeVec
	probeFailures     *prometheus.CounterVec
	ringVirtualNodes  prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		migrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringshard_migrations_total",
			Help: "Total number of shard pair migrations by outcome",
		}, []string{"source", "target", "outcome"}),

		migrationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ringshard_migration_duration_seconds",
			Help:    "Duration of shard pair migrations in seconds",
			Buckets: migrationBuckets,
		}, []string{"source", "target"}),

		migratedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringshard_migrated_records_total",
			Help: "Total number of records moved by committed migrations",
		}, []string{"source", "target"}),

		shardRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ringshard_shard_records",
			Help: "Number of records held by a shard at the last stats collection",
		}, []string{"shard"}),

		shardHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ringshard_shard_healthy",
			Help: "Whether the shard is considered healthy (1) or not (0)",
		}, []string{"shard"}),

		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringshard_probe_failures_total",
			Help: "Total number of failed shard connectivity probes",
		}, []string{"shard"}),

		ringVirtualNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ringshard_ring_virtual_nodes",
			Help: "Number of occupied positions on the hash ring",
		}),
	}

	reg.MustRegister(
		m.migrationsTotal,
		m.migrationDuration,
		m.migratedRecords,
		m.shardRecords,
		m.shardHealthy,
		m.probeFailures,
		m.ringVirtualNodes,
	)

	return m
}

// Nop returns collectors registered with a private registry; nothing they
// record is exported.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// MigrationTimer starts timing a migration. Call ObserveDuration when it ends.
func (m *Metrics) MigrationTimer(source, target string) *prometheus.Timer {
	return prometheus.NewTimer(m.migrationDuration.WithLabelValues(source, target))
}

// MigrationFinished records the outcome of a migration and the records it moved.
func (m *Metrics) MigrationFinished(source, target, outcome string, records int) {
	m.migrationsTotal.WithLabelValues(source, target, outcome).Inc()
	if outcome == OutcomeCommitted && records > 0 {
		m.migratedRecords.WithLabelValues(source, target).Add(float64(records))
	}
}

func (m *Metrics) ShardRecords(shard string, n int) {
	m.shardRecords.WithLabelValues(shard).Set(float64(n))
}

func (m *Metrics) ShardHealthy(shard string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.shardHealthy.WithLabelValues(shard).Set(v)
}

func (m *Metrics) ProbeFailed(shard string) {
	m.probeFailures.WithLabelValues(shard).Inc()
}

func (m *Metrics) RingVirtualNodes(n int) {
	m.ringVirtualNodes.Set(float64(n))
}

// ForgetShard drops the per-shard series of a deregistered shard.
func (m *Metrics) ForgetShard(shard string) {
	m.shardRecords.DeleteLabelValues(shard)
	m.shardHealthy.DeleteLabelValues(shard)
	m.probeFailures.DeleteLabelValues(shard)
}
