// Package metrics holds the prometheus collectors of the relay and of the
// client session. Every collector hangs off an explicit registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a registry with the Go and build-info collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewBuildInfoCollector())
	return reg
}

// Handler exposes reg in the text exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Relay instruments the signaling lobby.
type Relay struct {
	Clients  prometheus.Gauge
	Routed   *prometheus.CounterVec
	Dropped  *prometheus.CounterVec
	Rejected *prometheus.CounterVec
}

func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roulette", Subsystem: "relay", Name: "clients",
			Help: "Lobby members currently connected.",
		}),
		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roulette", Subsystem: "relay", Name: "messages_routed_total",
			Help: "Signaling frames delivered, by type and delivery mode.",
		}, []string{"type", "mode"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roulette", Subsystem: "relay", Name: "messages_dropped_total",
			Help: "Signaling frames not delivered, by reason.",
		}, []string{"reason"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roulette", Subsystem: "relay", Name: "frames_rejected_total",
			Help: "Inbound frames refused, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.Clients, m.Routed, m.Dropped, m.Rejected)
	return m
}

// Session instruments one client's lifecycle. A nil *Session is valid
// and records nothing.
type Session struct {
	matches     *prometheus.CounterVec
	disconnects *prometheus.CounterVec
	errors      prometheus.Counter
	rtt         prometheus.Histogram
	bandwidth   prometheus.Gauge
	tier        prometheus.Gauge
}

func NewSession(reg prometheus.Registerer) *Session {
	m := &Session{
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roulette", Subsystem: "session", Name: "matches_total",
			Help: "Matches found, by role.",
		}, []string{"role"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roulette", Subsystem: "session", Name: "disconnects_total",
			Help: "Sessions ended, by reason.",
		}, []string{"reason"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roulette", Subsystem: "session", Name: "errors_total",
			Help: "Non-fatal errors surfaced to subscribers.",
		}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "roulette", Subsystem: "session", Name: "heartbeat_rtt_seconds",
			Help:    "Round trip time measured by heartbeats.",
			Buckets: []float64{.01, .025, .05, .1, .2, .3, .5, 1, 2, 5},
		}),
		bandwidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roulette", Subsystem: "session", Name: "bandwidth_kbps",
			Help: "Weighted moving bandwidth estimate.",
		}),
		tier: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roulette", Subsystem: "session", Name: "quality_tier",
			Help: "Index of the active capture tier, 0 is the default.",
		}),
	}
	reg.MustRegister(m.matches, m.disconnects, m.errors, m.rtt, m.bandwidth, m.tier)
	return m
}

func (m *Session) Match(role string) {
	if m != nil {
		m.matches.WithLabelValues(role).Inc()
	}
}

func (m *Session) Disconnect(reason string) {
	if m != nil {
		m.disconnects.WithLabelValues(reason).Inc()
	}
}

func (m *Session) Error() {
	if m != nil {
		m.errors.Inc()
	}
}

func (m *Session) RTT(seconds float64) {
	if m != nil {
		m.rtt.Observe(seconds)
	}
}

func (m *Session) Bandwidth(kbps float64) {
	if m != nil {
		m.bandwidth.Set(kbps)
	}
}

func (m *Session) Tier(index int) {
	if m != nil {
		m.tier.Set(float64(index))
	}
}
