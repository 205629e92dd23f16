// Package metrics provides Prometheus metrics for meshdfs services.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry served on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	metricsOnce     sync.Once
	metricsInstance *DFSMetrics
)

// DFSMetrics holds all Prometheus metrics for meshdfs.
type DFSMetrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec   // meshdfs_requests_total{service,operation,status}
	RequestDuration *prometheus.HistogramVec // meshdfs_request_duration_seconds{service,operation}

	// Chunk node storage
	BytesStored   prometheus.Counter // meshdfs_chunk_bytes_stored_total
	BytesServed   prometheus.Counter // meshdfs_chunk_bytes_served_total
	ChunksStored  prometheus.Gauge   // meshdfs_chunks_stored
	CorruptChunks prometheus.Counter // meshdfs_corrupt_chunks_total

	// Replication path
	ReplicaWriteFailures *prometheus.CounterVec // meshdfs_replica_write_failures_total{node}
	ReadFallbacks        prometheus.Counter     // meshdfs_read_fallbacks_total
	DeleteFailures       *prometheus.CounterVec // meshdfs_replica_delete_failures_total{node}

	// Reconciler
	ReconcileCycles  prometheus.Counter     // meshdfs_reconcile_cycles_total
	RepairsTotal     *prometheus.CounterVec // meshdfs_repairs_total{result}
	DegradedChunks   prometheus.Gauge       // meshdfs_degraded_chunks
	OrphansReclaimed prometheus.Counter     // meshdfs_orphans_reclaimed_total

	// Health
	NodeHealthy *prometheus.GaugeVec // meshdfs_node_healthy{node}
}

// InitMetrics initializes all metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func InitMetrics(registry prometheus.Registerer) *DFSMetrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		f := promauto.With(registry)
		metricsInstance = &DFSMetrics{
			RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdfs_requests_total",
				Help: "Total API requests by service, operation and status",
			}, []string{"service", "operation", "status"}),

			RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "meshdfs_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"service", "operation"}),

			BytesStored: f.NewCounter(prometheus.CounterOpts{
				Name: "meshdfs_chunk_bytes_stored_total",
				Help: "Total chunk bytes accepted by this node",
			}),

			BytesServed: f.NewCounter(prometheus.CounterOpts{
				Name: "meshdfs_chunk_bytes_served_total",
				Help: "Total chunk bytes served by this node",
			}),

			ChunksStored: f.NewGauge(prometheus.GaugeOpts{
				Name: "meshdfs_chunks_stored",
				Help: "Number of chunk blobs held by this node",
			}),

			CorruptChunks: f.NewCounter(prometheus.CounterOpts{
				Name: "meshdfs_corrupt_chunks_total",
				Help: "Chunk reads that failed digest verification",
			}),

			ReplicaWriteFailures: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdfs_replica_write_failures_total",
				Help: "Chunk writes not acknowledged by a replica",
			}, []string{"node"}),

			ReadFallbacks: f.NewCounter(prometheus.CounterOpts{
				Name: "meshdfs_read_fallbacks_total",
				Help: "Chunk reads served by a non-primary replica",
			}),

			DeleteFailures: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdfs_replica_delete_failures_total",
				Help: "Best-effort chunk deletes that failed on a replica",
			}, []string{"node"}),

			ReconcileCycles: f.NewCounter(prometheus.CounterOpts{
				Name: "meshdfs_reconcile_cycles_total",
				Help: "Completed reconcile cycles",
			}),

			RepairsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdfs_repairs_total",
				Help: "Replica repairs by result (healed, failed, unrecoverable)",
			}, []string{"result"}),

			DegradedChunks: f.NewGauge(prometheus.GaugeOpts{
				Name: "meshdfs_degraded_chunks",
				Help: "Chunks currently marked degraded",
			}),

			OrphansReclaimed: f.NewCounter(prometheus.CounterOpts{
				Name: "meshdfs_orphans_reclaimed_total",
				Help: "Unreferenced chunk blobs deleted by the orphan sweep",
			}),

			NodeHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "meshdfs_node_healthy",
				Help: "1 if the node's last health probe succeeded",
			}, []string{"node"}),
		}
	})

	return metricsInstance
}

// Get returns the singleton metrics instance.
// Returns nil if metrics have not been initialized.
func Get() *DFSMetrics {
	return metricsInstance
}

// RecordRequest records a request metric.
func (m *DFSMetrics) RecordRequest(service, operation, status string, durationSeconds float64) {
	m.RequestsTotal.WithLabelValues(service, operation, status).Inc()
	m.RequestDuration.WithLabelValues(service, operation).Observe(durationSeconds)
}

// RecordRepair counts one repair outcome.
func (m *DFSMetrics) RecordRepair(result string) {
	m.RepairsTotal.WithLabelValues(result).Inc()
}

// SetNodeHealthy updates the health gauge for a node.
func (m *DFSMetrics) SetNodeHealthy(node string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.NodeHealthy.WithLabelValues(node).Set(v)
}
