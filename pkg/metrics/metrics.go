package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the calling subsystem
type Metrics struct {
	// HTTP request metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Call lifecycle metrics
	callsInitiatedTotal *prometheus.CounterVec
	callsEndedTotal     *prometheus.CounterVec
	callDurationSeconds *prometheus.HistogramVec

	// Reaper metrics
	callsReapedTotal *prometheus.CounterVec

	// Relay metrics
	relaySessionsActive     prometheus.Gauge
	relayParticipantsActive prometheus.Gauge
	relayFramesTotal        *prometheus.CounterVec
	relayFramesDroppedTotal *prometheus.CounterVec
	relayAuthFailuresTotal  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	constLabels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: constLabels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: constLabels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		callsInitiatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_initiated_total",
				Help:        "Total number of calls initiated",
				ConstLabels: constLabels,
			},
			[]string{"call_type"},
		),
		callsEndedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_ended_total",
				Help:        "Total number of calls reaching a terminal state",
				ConstLabels: constLabels,
			},
			[]string{"call_type", "end_reason"},
		),
		callDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "call_duration_seconds",
				Help:        "Connected call duration in seconds",
				ConstLabels: constLabels,
				Buckets:     []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
			},
			[]string{"call_type"},
		),
		callsReapedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_reaped_total",
				Help:        "Total number of calls force-transitioned by the reaper",
				ConstLabels: constLabels,
			},
			[]string{"sweep"},
		),
		relaySessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "relay_sessions_active",
				Help:        "Number of live media relay sessions",
				ConstLabels: constLabels,
			},
		),
		relayParticipantsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "relay_participants_active",
				Help:        "Number of participants connected to the media relay",
				ConstLabels: constLabels,
			},
		),
		relayFramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "relay_frames_total",
				Help:        "Total media frames relayed",
				ConstLabels: constLabels,
			},
			[]string{"transport"},
		),
		relayFramesDroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "relay_frames_dropped_total",
				Help:        "Total media frames dropped due to slow consumers",
				ConstLabels: constLabels,
			},
			[]string{"transport"},
		),
		relayAuthFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "relay_auth_failures_total",
				Help:        "Total relay connections rejected during token handshake",
				ConstLabels: constLabels,
			},
		),
	}
}

// RecordHTTPRequest records one handled HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordCallInitiated records a new call
func (m *Metrics) RecordCallInitiated(callType string) {
	m.callsInitiatedTotal.WithLabelValues(callType).Inc()
}

// RecordCallEnded records a call reaching a terminal state
func (m *Metrics) RecordCallEnded(callType, endReason string, duration time.Duration) {
	m.callsEndedTotal.WithLabelValues(callType, endReason).Inc()
	if duration > 0 {
		m.callDurationSeconds.WithLabelValues(callType).Observe(duration.Seconds())
	}
}

// RecordReaped records calls force-transitioned by one sweep
func (m *Metrics) RecordReaped(sweep string, count int) {
	if count > 0 {
		m.callsReapedTotal.WithLabelValues(sweep).Add(float64(count))
	}
}

// SetRelaySessions sets the live session gauge
func (m *Metrics) SetRelaySessions(n int) {
	m.relaySessionsActive.Set(float64(n))
}

// SetRelayParticipants sets the connected participant gauge
func (m *Metrics) SetRelayParticipants(n int) {
	m.relayParticipantsActive.Set(float64(n))
}

// RecordRelayFrame records one relayed frame
func (m *Metrics) RecordRelayFrame(transport string) {
	m.relayFramesTotal.WithLabelValues(transport).Inc()
}

// RecordRelayFrameDropped records one frame dropped on a full queue
func (m *Metrics) RecordRelayFrameDropped(transport string) {
	m.relayFramesDroppedTotal.WithLabelValues(transport).Inc()
}

// RecordRelayAuthFailure records one rejected relay handshake
func (m *Metrics) RecordRelayAuthFailure() {
	m.relayAuthFailuresTotal.Inc()
}
