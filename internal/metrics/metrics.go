// Package metrics exposes pipeline measurements as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraud"

// Metrics implements pipeline.Recorder on top of a Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	messages     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	warnings     *prometheus.CounterVec
	classified   *prometheus.CounterVec
	alerts       *prometheus.CounterVec
	rows         *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	inFlight     prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Messages handled by the ingestion loop, by final outcome",
	}, []string{"outcome"})
	m.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_duration_seconds",
		Help:      "Time from dispatch to ack or nack",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})
	m.warnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_warnings_total",
		Help:      "Amounts coerced to zero during decoding, by cause",
	}, []string{"warning"})
	m.classified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_classified_total",
		Help:      "Classified transactions by reason",
	}, []string{"reason"})
	m.alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_published_total",
		Help:      "Alert publish results after retries",
	}, []string{"status"})
	m.rows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_written_total",
		Help:      "Durable row writes by status",
	}, []string{"status"})
	m.deadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_lettered_total",
		Help:      "Undecodable payloads archived to the dead-letter sink",
	}, []string{"status"})
	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "messages_in_flight",
		Help:      "Messages currently being processed",
	})

	reg.MustRegister(
		m.messages, m.duration, m.warnings, m.classified,
		m.alerts, m.rows, m.deadLettered, m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) MessageHandled(outcome string, elapsed time.Duration) {
	m.messages.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) DecodeWarning(warning string) { m.warnings.WithLabelValues(warning).Inc() }
func (m *Metrics) Classified(reason string)     { m.classified.WithLabelValues(reason).Inc() }
func (m *Metrics) AlertPublished(ok bool)       { m.alerts.WithLabelValues(status(ok)).Inc() }
func (m *Metrics) RowWritten(ok bool)           { m.rows.WithLabelValues(status(ok)).Inc() }
func (m *Metrics) DeadLettered(ok bool)         { m.deadLettered.WithLabelValues(status(ok)).Inc() }

// InFlight tracks the number of messages being worked on.
func (m *Metrics) InFlight(delta int) { m.inFlight.Add(float64(delta)) }

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
