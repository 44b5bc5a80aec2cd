package diag

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus collectors shared by every identity
// supervisor in the fleet.
type Metrics struct {
	registry *prometheus.Registry

	supervisorRestarts *prometheus.CounterVec
	supervisorState    *prometheus.GaugeVec
	tokenState         *prometheus.GaugeVec
	colorApplyTotal    *prometheus.CounterVec
	colorApplyLatency  *prometheus.HistogramVec
	wsReconnects       *prometheus.CounterVec
	subscriptionDrift  *prometheus.GaugeVec
	helixRequests      *prometheus.CounterVec
}

// NewMetrics constructs a fresh, unregistered-elsewhere Prometheus registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		supervisorRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colorchanger",
			Name:      "supervisor_restarts_total",
			Help:      "Number of times an identity supervisor restarted after a crash",
		}, []string{"username"}),
		supervisorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "colorchanger",
			Name:      "supervisor_state",
			Help:      "Current lifecycle state of an identity supervisor (1=active state, else 0)",
		}, []string{"username", "state"}),
		tokenState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "colorchanger",
			Name:      "token_state",
			Help:      "Current token lifecycle state for an identity (1=active state, else 0)",
		}, []string{"username", "state"}),
		colorApplyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colorchanger",
			Name:      "color_apply_total",
			Help:      "Number of color apply attempts by outcome",
		}, []string{"username", "outcome"}),
		colorApplyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "colorchanger",
			Name:      "color_apply_duration_seconds",
			Help:      "Latency of a color apply attempt including retries",
			Buckets:   prometheus.DefBuckets,
		}, []string{"username"}),
		wsReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colorchanger",
			Name:      "eventsub_reconnects_total",
			Help:      "Number of EventSub websocket reconnects",
		}, []string{"username", "reason"}),
		subscriptionDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "colorchanger",
			Name:      "eventsub_subscription_drift",
			Help:      "Count of missing or extra subscriptions observed at last audit",
		}, []string{"username", "kind"}),
		helixRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "colorchanger",
			Name:      "helix_requests_total",
			Help:      "Total Helix API requests by operation and outcome",
		}, []string{"op", "outcome"}),
	}

	registry.MustRegister(
		m.supervisorRestarts,
		m.supervisorState,
		m.tokenState,
		m.colorApplyTotal,
		m.colorApplyLatency,
		m.wsReconnects,
		m.subscriptionDrift,
		m.helixRequests,
	)
	return m
}

// Handler exposes the registry over HTTP for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRestart(username string) {
	if m == nil {
		return
	}
	m.supervisorRestarts.WithLabelValues(username).Inc()
}

func (m *Metrics) SetSupervisorState(username, state string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	m.supervisorState.WithLabelValues(username, state).Set(v)
}

func (m *Metrics) SetTokenState(username, state string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1.0
	}
	m.tokenState.WithLabelValues(username, state).Set(v)
}

func (m *Metrics) ObserveColorApply(username, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.colorApplyTotal.WithLabelValues(username, outcome).Inc()
	m.colorApplyLatency.WithLabelValues(username).Observe(seconds)
}

func (m *Metrics) IncReconnect(username, reason string) {
	if m == nil {
		return
	}
	m.wsReconnects.WithLabelValues(username, reason).Inc()
}

func (m *Metrics) SetSubscriptionDrift(username string, missing, extra int) {
	if m == nil {
		return
	}
	m.subscriptionDrift.WithLabelValues(username, "missing").Set(float64(missing))
	m.subscriptionDrift.WithLabelValues(username, "extra").Set(float64(extra))
}

func (m *Metrics) IncHelixRequest(op, outcome string) {
	if m == nil {
		return
	}
	m.helixRequests.WithLabelValues(op, outcome).Inc()
}
