// Package monitoring holds the runner's Prometheus metrics and the loopback
// debug listener that exposes them.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the runner.
type Metrics struct {
	// Job metrics
	JobsInFlight prometheus.Gauge
	JobDuration  prometheus.Histogram
	ResultsTotal *prometheus.CounterVec

	// Channel metrics
	WSMessages *prometheus.CounterVec

	// Browser metrics
	SessionsActive prometheus.Gauge
	CaptureEvents  *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		startTime: time.Now(),
		registry:  registry,

		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runner_jobs_in_flight",
			Help: "Number of HTTP jobs currently executing",
		}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "runner_job_duration_seconds",
			Help:    "HTTP job execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		ResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_results_total",
			Help: "Job results emitted, by status",
		}, []string{"status"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_ws_messages_total",
			Help: "Websocket messages, by channel and direction",
		}, []string{"channel", "direction"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runner_browser_sessions_active",
			Help: "Active browser sessions (0 or 1)",
		}),
		CaptureEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_capture_events_total",
			Help: "Capture events emitted, by kind",
		}, []string{"kind"}),
		Uptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "runner_uptime_seconds",
			Help: "Runner uptime in seconds",
		}),
	}
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// RecordJobStart marks one job entering execution.
func (m *Metrics) RecordJobStart() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

// RecordJobDone marks one job finishing with the given result status.
func (m *Metrics) RecordJobDone(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.JobDuration.Observe(elapsed.Seconds())
	m.ResultsTotal.WithLabelValues(status).Inc()
}

// RecordWSMessage counts one websocket message.
func (m *Metrics) RecordWSMessage(channel, direction string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(channel, direction).Inc()
}

// SetSessionActive flips the active-session gauge.
func (m *Metrics) SetSessionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.SessionsActive.Set(1)
	} else {
		m.SessionsActive.Set(0)
	}
}

// RecordCaptureEvent counts one capture event by kind ("frame", "traffic").
func (m *Metrics) RecordCaptureEvent(kind string) {
	if m == nil {
		return
	}
	m.CaptureEvents.WithLabelValues(kind).Inc()
}
