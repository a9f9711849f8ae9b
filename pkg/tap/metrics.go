package tap

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-tap/pkg/domain"
)

// Metrics holds the Prometheus metrics of the tap engine. A nil *Metrics records nothing.
type Metrics struct {
	// Session metrics
	sessionsActive *prometheus.GaugeVec
	sessionsTotal  *prometheus.CounterVec

	// Submission metrics
	tracesTotal *prometheus.CounterVec

	// Admin stream metrics
	adminStreamsActive prometheus.Gauge
	adminDropped       *prometheus.CounterVec

	// Configuration reload metrics
	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		sessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tap_sessions_active",
				Help: "Number of open tap sessions that have submitted a trace",
			},
			[]string{"kind"},
		),

		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tap_sessions_total",
				Help: "Total number of tap sessions that submitted at least one trace",
			},
			[]string{"kind"},
		),

		tracesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tap_traces_submitted_total",
				Help: "Total number of traces submitted to sinks by outcome",
			},
			[]string{"sink", "format", "status"},
		),

		adminStreamsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tap_admin_streams_active",
				Help: "Number of attached admin tap streams",
			},
		),

		adminDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tap_admin_traces_dropped_total",
				Help: "Total number of traces dropped because an admin stream was full",
			},
			[]string{"config_id"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tap_config_reloads_total",
				Help: "Total number of tap configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.tracesTotal,
		m.adminStreamsActive,
		m.adminDropped,
		m.configReloads,
	)

	return m
}

func (m *Metrics) sessionStarted(kind TraceKind) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(kind.String()).Inc()
	m.sessionsActive.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) sessionClosed(kind TraceKind) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(kind.String()).Dec()
}

func (m *Metrics) traceSubmitted(sink string, format domain.OutputFormat, err error) {
	if m == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrTraceDropped):
		status = "dropped"
	case err != nil:
		status = "error"
	}
	m.tracesTotal.WithLabelValues(sink, format.String(), status).Inc()
}

// RecordAdminStreamAttached records an admin stream attaching.
func (m *Metrics) RecordAdminStreamAttached() {
	if m == nil {
		return
	}
	m.adminStreamsActive.Inc()
}

// RecordAdminStreamDetached records an admin stream detaching.
func (m *Metrics) RecordAdminStreamDetached() {
	if m == nil {
		return
	}
	m.adminStreamsActive.Dec()
}

// RecordAdminDrop records a trace dropped by the admin stream of configID.
func (m *Metrics) RecordAdminDrop(configID string) {
	if m == nil {
		return
	}
	m.adminDropped.WithLabelValues(configID).Inc()
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
