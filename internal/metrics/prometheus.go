package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the context store. A nil
// *Metrics is valid and records nothing, so libraries and tests can run
// without a registry.
type Metrics struct {
	// Backend operation metrics
	OpsTotal     *prometheus.CounterVec
	EntriesTotal prometheus.Gauge
	StorageBytes prometheus.Gauge

	// Garbage collection metrics
	GCSweepsTotal       prometheus.Counter
	GCSweptEntriesTotal prometheus.Counter
	GCSweepDuration     prometheus.Histogram

	// IPC metrics
	IpcRequestsTotal     *prometheus.CounterVec
	IpcErrorsTotal       prometheus.Counter
	IpcConnectionsTotal  prometheus.Counter
	IpcActiveConnections prometheus.Gauge

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		OpsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contextstore",
			Subsystem: "backend",
			Name:      "ops_total",
			Help:      "Total number of backend operations by kind",
		}, []string{"op"}),
		EntriesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "contextstore",
			Subsystem: "backend",
			Name:      "entries_total",
			Help:      "Number of entries currently stored",
		}),
		StorageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "contextstore",
			Subsystem: "backend",
			Name:      "storage_bytes",
			Help:      "Bytes currently accounted to keys, values and reused-key bookkeeping",
		}),
		GCSweepsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "contextstore",
			Subsystem: "gc",
			Name:      "sweeps_total",
			Help:      "Total number of completed garbage collection sweeps",
		}),
		GCSweptEntriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "contextstore",
			Subsystem: "gc",
			Name:      "swept_entries_total",
			Help:      "Total number of entries removed by garbage collection",
		}),
		GCSweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "contextstore",
			Subsystem: "gc",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of garbage collection sweeps",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		IpcRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contextstore",
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "Total number of IPC requests served by kind",
		}, []string{"kind"}),
		IpcErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "contextstore",
			Subsystem: "ipc",
			Name:      "errors_total",
			Help:      "Total number of failed IPC requests",
		}),
		IpcConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "contextstore",
			Subsystem: "ipc",
			Name:      "connections_total",
			Help:      "Total number of accepted IPC connections",
		}),
		IpcActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "contextstore",
			Subsystem: "ipc",
			Name:      "active_connections",
			Help:      "Number of currently served IPC connections",
		}),
		MemoryUsageBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "contextstore",
			Subsystem: "system",
			Name:      "memory_usage_bytes",
			Help:      "Process heap usage in bytes",
		}),
		GoroutinesTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "contextstore",
			Subsystem: "system",
			Name:      "goroutines_total",
			Help:      "Number of running goroutines",
		}),
	}
}

// IncOp records one backend operation of the given kind.
func (m *Metrics) IncOp(op string) {
	if m == nil {
		return
	}
	m.OpsTotal.WithLabelValues(op).Inc()
}

// SetStorage records the current entry count and accounted bytes.
func (m *Metrics) SetStorage(entries int, bytes uint64) {
	if m == nil {
		return
	}
	m.EntriesTotal.Set(float64(entries))
	m.StorageBytes.Set(float64(bytes))
}

// ObserveSweep records one completed GC sweep.
func (m *Metrics) ObserveSweep(swept int, duration time.Duration) {
	if m == nil {
		return
	}
	m.GCSweepsTotal.Inc()
	m.GCSweptEntriesTotal.Add(float64(swept))
	m.GCSweepDuration.Observe(duration.Seconds())
}

// IncIpcRequest records one served IPC request of the given kind.
func (m *Metrics) IncIpcRequest(kind string) {
	if m == nil {
		return
	}
	m.IpcRequestsTotal.WithLabelValues(kind).Inc()
}

// IncIpcError records one failed IPC request.
func (m *Metrics) IncIpcError() {
	if m == nil {
		return
	}
	m.IpcErrorsTotal.Inc()
}

// ConnectionOpened records an accepted IPC connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.IpcConnectionsTotal.Inc()
	m.IpcActiveConnections.Inc()
}

// ConnectionClosed records a terminated IPC connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.IpcActiveConnections.Dec()
}

// UpdateSystemStats refreshes process-level gauges.
func (m *Metrics) UpdateSystemStats(heapBytes int64, goroutines int) {
	if m == nil {
		return
	}
	m.MemoryUsageBytes.Set(float64(heapBytes))
	m.GoroutinesTotal.Set(float64(goroutines))
}
