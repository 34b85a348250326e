package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/contracts"
)

// Metrics holds the Prometheus collectors served at /metrics. It satisfies
// the lifecycle, reaper and relay observer hooks, and forwards lifecycle
// counts to the OTel provider when one is attached.
type Metrics struct {
	registry *prometheus.Registry
	provider *Provider

	proposals     *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	guards        *prometheus.CounterVec
	lockConflicts prometheus.Counter
	reaped        *prometheus.CounterVec
	deliveries    *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		proposals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_proposals_total",
				Help: "Proposals created, by computed risk class",
			},
			[]string{"risk"},
		),

		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_transitions_total",
				Help: "Proposal state transitions",
			},
			[]string{"from", "to"},
		),

		guards: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_guard_rejections_total",
				Help: "Decision submissions refused by a guard",
			},
			[]string{"code"},
		),

		lockConflicts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_lock_conflicts_total",
				Help: "Submissions refused because the unit was locked",
			},
		),

		reaped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_reaper_actions_total",
				Help: "Expired units acted on by the reaper",
			},
			[]string{"mode"},
		),

		deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_actuator_signals_total",
				Help: "Actuator signal deliveries",
			},
			[]string{"kind", "result"},
		),

		httpRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_http_requests_total",
				Help: "HTTP requests served",
			},
			[]string{"method", "route", "status"},
		),

		httpDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
}

// WithProvider forwards lifecycle counters to p as well.
func (m *Metrics) WithProvider(p *Provider) *Metrics {
	m.provider = p
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ProposalSubmitted records a created proposal.
func (m *Metrics) ProposalSubmitted(risk contracts.RiskClass) {
	m.proposals.WithLabelValues(string(risk)).Inc()
	if m.provider != nil {
		m.provider.RecordSubmission(context.Background(), string(risk))
	}
}

// Transitioned records a state change.
func (m *Metrics) Transitioned(from, to contracts.State) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
	if m.provider != nil {
		m.provider.RecordTransition(context.Background(), string(from), string(to))
	}
}

// GuardRejected records a refused decision.
func (m *Metrics) GuardRejected(code string) {
	m.guards.WithLabelValues(code).Inc()
	if m.provider != nil {
		m.provider.RecordGuardRejection(context.Background(), code)
	}
}

// LockConflict records a submission refused by the unit lock.
func (m *Metrics) LockConflict() { m.lockConflicts.Inc() }

// UnitReaped records a reaper action.
func (m *Metrics) UnitReaped(mode contracts.ExpirationMode) {
	m.reaped.WithLabelValues(string(mode)).Inc()
}

// SignalDelivered records a relay delivery attempt. Its signature matches
// actuator.DeliveryObserver.
func (m *Metrics) SignalDelivered(sig contracts.Signal, err error) {
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	m.deliveries.WithLabelValues(string(sig.Kind), result).Inc()
}

// HTTPRequest records one served request. route is the matched pattern,
// never the raw path, to keep label cardinality bounded.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
