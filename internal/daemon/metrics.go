package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors updated by a Service.
type Metrics struct {
	filesDiscovered prometheus.Counter
	filesProcessed  prometheus.Counter
	filesFailed     prometheus.Counter
	linesRead       prometheus.Counter
	queuedFiles     prometheus.Gauge
	workersBusy     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg unless reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "logexport",
			Subsystem: "daemon",
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "logexport",
			Subsystem: "daemon",
			Name:      name,
			Help:      help,
		})
	}

	m := &Metrics{
		filesDiscovered: counter("files_discovered_total", "Log files queued for tailing."),
		filesProcessed:  counter("files_processed_total", "Log files whose tailing has ended."),
		filesFailed:     counter("files_failed_total", "Log files that could not be tailed."),
		linesRead:       counter("lines_total", "Lines read from log files."),
		queuedFiles:     gauge("queued_files", "Files waiting for a worker."),
		workersBusy:     gauge("workers_busy", "Workers currently tailing a file."),
	}

	if reg != nil {
		reg.MustRegister(m.filesDiscovered, m.filesProcessed, m.filesFailed, m.linesRead, m.queuedFiles, m.workersBusy)
	}
	return m
}
