// Package metrics holds the Prometheus collectors of the collector
// service. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	requests       *prometheus.CounterVec
	responses      *prometheus.CounterVec
	timeouts       *prometheus.CounterVec
	linkState      prometheus.Gauge
	keepAlive      *prometheus.CounterVec
	droppedResults prometheus.Counter
	alarms         *prometheus.CounterVec
	persistence    *prometheus.CounterVec
	pollCycles     prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus", Name: "requests_total",
			Help: "Requests sent on the link by function code.",
		}, []string{"function"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus", Name: "responses_total",
			Help: "Responses received by outcome.",
		}, []string{"outcome"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus", Name: "timeouts_total",
			Help: "Transactions that expired without a response.",
		}, []string{"op"}),
		linkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modbus", Name: "link_state",
			Help: "Link state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
		}),
		keepAlive: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modbus", Name: "keepalive_total",
			Help: "Keep-alive requests by outcome.",
		}, []string{"outcome"}),
		droppedResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modbus", Name: "dropped_results_total",
			Help: "Read results dropped because the consumer fell behind.",
		}),
		alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alarm", Name: "transitions_total",
			Help: "Alarm transitions by rule kind and direction.",
		}, []string{"kind", "transition"}),
		persistence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "alarm", Name: "persistence_errors_total",
			Help: "Alarm store failures by operation.",
		}, []string{"op"}),
		pollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poller", Name: "cycles_total",
			Help: "Completed poll ticks.",
		}),
	}
	reg.MustRegister(m.requests, m.responses, m.timeouts, m.linkState, m.keepAlive,
		m.droppedResults, m.alarms, m.persistence, m.pollCycles)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) RequestSent(function string) {
	if m != nil {
		m.requests.WithLabelValues(function).Inc()
	}
}

func (m *Metrics) ResponseReceived(outcome string) {
	if m != nil {
		m.responses.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Timeout(op string) {
	if m != nil {
		m.timeouts.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) LinkState(state int) {
	if m != nil {
		m.linkState.Set(float64(state))
	}
}

func (m *Metrics) KeepAlive(outcome string) {
	if m != nil {
		m.keepAlive.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ResultDropped() {
	if m != nil {
		m.droppedResults.Inc()
	}
}

func (m *Metrics) AlarmTransition(kind, transition string) {
	if m != nil {
		m.alarms.WithLabelValues(kind, transition).Inc()
	}
}

func (m *Metrics) PersistenceError(op string) {
	if m != nil {
		m.persistence.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) PollCycle() {
	if m != nil {
		m.pollCycles.Inc()
	}
}
