package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the dispatch worker
type Metrics struct {
	// Delivery counters
	MessagesSentTotal   prometheus.Counter
	MessagesFailedTotal *prometheus.CounterVec

	// Delivery timing
	SendDurationSeconds prometheus.Histogram

	// Session lifecycle
	SessionsStartedTotal  prometheus.Counter
	SessionsFinishedTotal *prometheus.CounterVec
	SessionsActive        prometheus.Gauge
	SchedulePausesTotal   prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_messages_sent_total",
				Help: "Total number of successfully delivered messages",
			},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_messages_failed_total",
				Help: "Total number of failed deliveries",
			},
			[]string{"error_type"},
		),
		SendDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatch_send_duration_seconds",
				Help:    "Time spent delivering a single message",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		SessionsStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_sessions_started_total",
				Help: "Total number of dispatch sessions started",
			},
		),
		SessionsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_sessions_finished_total",
				Help: "Total number of dispatch sessions finished",
			},
			[]string{"outcome"},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_sessions_active",
				Help: "Number of sessions currently being dispatched",
			},
		),
		SchedulePausesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_schedule_pauses_total",
				Help: "Total number of pauses taken outside the send window",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.SendDurationSeconds,
		m.SessionsStartedTotal,
		m.SessionsFinishedTotal,
		m.SessionsActive,
		m.SchedulePausesTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent() {
	if m := Global(); m != nil {
		m.MessagesSentTotal.Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(errorType string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(errorType).Inc()
	}
}

// ObserveSendDuration records the duration of a delivery attempt
func ObserveSendDuration(d time.Duration) {
	if m := Global(); m != nil {
		m.SendDurationSeconds.Observe(d.Seconds())
	}
}

// IncSessionsStarted increments the started session counter
func IncSessionsStarted() {
	if m := Global(); m != nil {
		m.SessionsStartedTotal.Inc()
	}
}

// IncSessionsFinished increments the finished session counter for an outcome
func IncSessionsFinished(outcome string) {
	if m := Global(); m != nil {
		m.SessionsFinishedTotal.WithLabelValues(outcome).Inc()
	}
}

// SetSessionsActive sets the active session gauge
func SetSessionsActive(n int) {
	if m := Global(); m != nil {
		m.SessionsActive.Set(float64(n))
	}
}

// IncSchedulePauses increments the schedule pause counter
func IncSchedulePauses() {
	if m := Global(); m != nil {
		m.SchedulePausesTotal.Inc()
	}
}

// RecordAPIRequest records an API request with its duration
func RecordAPIRequest(method, path, status string, duration time.Duration) {
	if m := Global(); m != nil {
		m.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(method, path).Observe(duration.Seconds())
	}
}
