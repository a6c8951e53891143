package collector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collector's Prometheus instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RecordsWritten   *prometheus.CounterVec
	Duplicates       *prometheus.CounterVec
	MalformedEntries *prometheus.CounterVec
	FetchErrors      *prometheus.CounterVec
	WriteErrors      *prometheus.CounterVec
	Restarts         prometheus.Counter
	LiveWorkers      prometheus.Gauge
}

// NewMetrics creates and registers all instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RecordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optionchain",
			Name:      "records_written_total",
			Help:      "Rows inserted, by expiry.",
		}, []string{"expiry"}),
		Duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optionchain",
			Name:      "records_duplicate_total",
			Help:      "Rows skipped because the capture timestamp already existed, by expiry.",
		}, []string{"expiry"}),
		MalformedEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optionchain",
			Name:      "entries_malformed_total",
			Help:      "Strike entries skipped as malformed, by expiry.",
		}, []string{"expiry"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optionchain",
			Name:      "fetch_errors_total",
			Help:      "Failed option-chain requests, by expiry.",
		}, []string{"expiry"}),
		WriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optionchain",
			Name:      "write_errors_total",
			Help:      "Failed row writes, by expiry.",
		}, []string{"expiry"}),
		Restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "optionchain",
			Name:      "worker_set_restarts_total",
			Help:      "Times the supervisor restarted the full worker set.",
		}),
		LiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "optionchain",
			Name:      "live_workers",
			Help:      "Workers whose loop is running.",
		}),
	}
	m.registry.MustRegister(
		m.RecordsWritten, m.Duplicates, m.MalformedEntries,
		m.FetchErrors, m.WriteErrors, m.Restarts, m.LiveWorkers,
	)
	return m
}

// Registry returns the registry the instruments are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
