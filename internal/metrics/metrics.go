// Package metrics provides Prometheus metrics for the chat client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the client. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	FramesTotal        *prometheus.CounterVec
	DroppedFramesTotal prometheus.Counter
	ConnectsTotal      *prometheus.CounterVec
	ClosesTotal        *prometheus.CounterVec
	ImageRejectsTotal  prometheus.Counter
	SessionsLive       prometheus.Gauge
	APIRequestDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_frames_total",
				Help: "Run channel frames by direction and message type.",
			},
			[]string{"direction", "type"},
		),
		DroppedFramesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentchat_dropped_frames_total",
				Help: "Inbound frames dropped because they did not decode.",
			},
		),
		ConnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_connects_total",
				Help: "Run channel open attempts by mode and result.",
			},
			[]string{"mode", "result"},
		),
		ClosesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_abnormal_closes_total",
				Help: "Abnormal run channel closes by offered recovery action.",
			},
			[]string{"action"},
		),
		ImageRejectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentchat_image_rejects_total",
				Help: "Outbound images rejected before sending.",
			},
		),
		SessionsLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentchat_sessions_live",
				Help: "Chat sessions with a controller in the pool.",
			},
		),
		APIRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentchat_api_request_duration_seconds",
				Help:    "Chat API request duration by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentchat_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		registry: reg,
	}

	reg.MustRegister(m.FramesTotal)
	reg.MustRegister(m.DroppedFramesTotal)
	reg.MustRegister(m.ConnectsTotal)
	reg.MustRegister(m.ClosesTotal)
	reg.MustRegister(m.ImageRejectsTotal)
	reg.MustRegister(m.SessionsLive)
	reg.MustRegister(m.APIRequestDuration)
	reg.MustRegister(m.ErrorsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordFrame counts one frame; direction is "in" or "out".
func (m *Metrics) RecordFrame(direction, kind string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordDropped counts an inbound frame that failed to decode.
func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.DroppedFramesTotal.Inc()
}

// RecordConnect counts an open attempt; mode is "open" or "reconnect".
func (m *Metrics) RecordConnect(mode, result string) {
	if m == nil {
		return
	}
	m.ConnectsTotal.WithLabelValues(mode, result).Inc()
}

// RecordClose counts an abnormal close by recovery action.
func (m *Metrics) RecordClose(action string) {
	if m == nil {
		return
	}
	m.ClosesTotal.WithLabelValues(action).Inc()
}

// RecordImageReject counts an oversized or invalid outbound image.
func (m *Metrics) RecordImageReject() {
	if m == nil {
		return
	}
	m.ImageRejectsTotal.Inc()
}

// SetSessions sets the live session gauge.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsLive.Set(float64(n))
}

// ObserveAPI records a chat API call duration.
func (m *Metrics) ObserveAPI(op string, seconds float64) {
	if m == nil {
		return
	}
	m.APIRequestDuration.WithLabelValues(op).Observe(seconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}
