package batch

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "logexport"

const (
	reasonQueueFull     = "queue_full"
	reasonClosed        = "closed"
	reasonExportFailed  = "export_failed"
	reasonExportTimeout = "export_timeout"

	resultOK      = "ok"
	resultError   = "error"
	resultTimeout = "timeout"
)

// Metrics are the Prometheus collectors updated by a Processor.
type Metrics struct {
	received       prometheus.Counter
	exported       prometheus.Counter
	dropped        *prometheus.CounterVec
	exports        *prometheus.CounterVec
	buffered       prometheus.Gauge
	exportDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg unless reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "processor",
			Name:      "records_received_total",
			Help:      "Records accepted by the batch processor.",
		}),
		exported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "processor",
			Name:      "records_exported_total",
			Help:      "Records delivered by successful exports.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "processor",
			Name:      "records_dropped_total",
			Help:      "Records lost, by reason.",
		}, []string{"reason"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "processor",
			Name:      "exports_total",
			Help:      "Export calls, by result.",
		}, []string{"result"}),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "processor",
			Name:      "buffered_records",
			Help:      "Records waiting in the buffer.",
		}),
		exportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "processor",
			Name:      "export_duration_seconds",
			Help:      "Duration of export calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.received, m.exported, m.dropped, m.exports, m.buffered, m.exportDuration)
	}
	return m
}
