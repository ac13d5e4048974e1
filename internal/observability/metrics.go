// Package observability exposes the prometheus metrics of the chat stream.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/insight-desk/backend/pkg/protocol"
)

const metricsNamespace = "insight"

// Stream outcomes.
const (
	OutcomeAnswered = "answered"
	OutcomeCached   = "cached"
	OutcomeFailed   = "failed"
	OutcomeAborted  = "aborted"
)

// Metrics holds the collectors on a private registry. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	// Labels: step_type, status
	StepDuration *prometheus.HistogramVec
	// Labels: outcome
	StreamsTotal *prometheus.CounterVec
	// Labels: direction (input, output)
	TokensTotal *prometheus.CounterVec
	// Labels: result (hit, miss)
	CacheLookups *prometheus.CounterVec
	// Labels: assistant_id, pipeline
	QueriesTotal  *prometheus.CounterVec
	ActiveStreams prometheus.Gauge
}

// New registers the collectors plus the Go and process collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of traced steps by step type and terminal status",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"step_type", "status"},
		),
		StreamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "streams_total",
				Help:      "Chat streams by outcome",
			},
			[]string{"outcome"},
		),
		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "tokens_total",
				Help:      "Model tokens by direction",
			},
			[]string{"direction"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Semantic cache lookups by result",
			},
			[]string{"result"},
		),
		QueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "queries_total",
				Help:      "Answered questions by assistant and pipeline",
			},
			[]string{"assistant_id", "pipeline"},
		),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "chat",
			Name:      "active_streams",
			Help:      "Chat streams currently open",
		}),
	}
}

// ObserveStep implements trace.Observer.
func (m *Metrics) ObserveStep(stepType string, status protocol.StepStatus, seconds float64) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(stepType, string(status)).Observe(seconds)
}

// StreamStarted increments the active gauge and returns the matching decrement.
func (m *Metrics) StreamStarted() func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	m.ActiveStreams.Inc()
	return func(outcome string) {
		m.ActiveStreams.Dec()
		m.StreamsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveTokens adds request token totals.
func (m *Metrics) ObserveTokens(tokens protocol.Tokens) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("input").Add(float64(tokens.Input))
	m.TokensTotal.WithLabelValues("output").Add(float64(tokens.Output))
}

// ObserveCache counts a cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// ObserveQuery counts an answered question.
func (m *Metrics) ObserveQuery(assistantID, pipeline string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(assistantID, pipeline).Inc()
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
