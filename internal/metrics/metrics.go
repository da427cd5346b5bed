// Package metrics exposes Prometheus instrumentation for the settlement core.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "settlement"

type Metrics struct {
	registry         *prometheus.Registry
	depositOutcomes  *prometheus.CounterVec
	ledgerPostings   *prometheus.CounterVec
	externalEvents   *prometheus.CounterVec
	advanceDecisions *prometheus.CounterVec
	holdsReleased    prometheus.Counter
	gatewayLatency   *prometheus.HistogramVec
	intentsDelivered *prometheus.CounterVec
}

// New creates a Metrics instance backed by its own registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		depositOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Mobile deposits by intake outcome.",
		}, []string{"outcome"}),
		ledgerPostings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_postings_total",
			Help:      "Ledger transactions written, by kind and status.",
		}, []string{"kind", "status"}),
		externalEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_events_total",
			Help:      "External settlement events received, by outcome.",
		}, []string{"code", "outcome"}),
		advanceDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "advance_decisions_total",
			Help:      "Refund advance state changes.",
		}, []string{"status"}),
		holdsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_released_total",
			Help:      "Deposit holds released by the release pass.",
		}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_seconds",
			Help:      "Banking gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		intentsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_dispatched_total",
			Help:      "Side-effect intents handed to delivery sinks.",
		}, []string{"sink", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.depositOutcomes,
		m.ledgerPostings,
		m.externalEvents,
		m.advanceDecisions,
		m.holdsReleased,
		m.gatewayLatency,
		m.intentsDelivered,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) DepositOutcome(outcome string) {
	if m == nil {
		return
	}
	m.depositOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LedgerPosting(kind, status string) {
	if m == nil {
		return
	}
	m.ledgerPostings.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) ExternalEvent(code, outcome string) {
	if m == nil {
		return
	}
	m.externalEvents.WithLabelValues(code, outcome).Inc()
}

func (m *Metrics) AdvanceDecision(status string) {
	if m == nil {
		return
	}
	m.advanceDecisions.WithLabelValues(status).Inc()
}

func (m *Metrics) HoldsReleased(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.holdsReleased.Add(float64(n))
}

// ObserveGateway records the duration of a gateway call started at start
func (m *Metrics) ObserveGateway(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.gatewayLatency.WithLabelValues(operation, result).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IntentDispatched(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.intentsDelivered.WithLabelValues(sink, result).Inc()
}
