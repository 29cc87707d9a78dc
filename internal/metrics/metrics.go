package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestration engine.
type Metrics struct {
	registry *prometheus.Registry

	// Turn metrics
	TurnsTotal *prometheus.CounterVec
	TurnCost   prometheus.Histogram

	// Tool metrics
	ToolExecutionsTotal *prometheus.CounterVec

	// Continuation metrics
	ContinuationsSuspendedTotal prometheus.Counter
	ContinuationsResumedTotal   prometheus.Counter

	// Dispatch metrics
	RateLimitRejectionsTotal prometheus.Counter
	CacheHitsTotal           prometheus.Counter
}

// NewMetrics creates and registers all metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "senka_turns_total",
			Help: "Total turns executed, by mode and terminal status",
		}, []string{"mode", "status"}),
		TurnCost: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "senka_turn_cost_dollars",
			Help:    "Accumulated cost per turn in dollars",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "senka_tool_executions_total",
			Help: "Total tool executions, by scene, tool, and outcome",
		}, []string{"scene", "tool", "outcome"}),
		ContinuationsSuspendedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "senka_continuations_suspended_total",
			Help: "Total turns suspended on a client-side tool",
		}),
		ContinuationsResumedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "senka_continuations_resumed_total",
			Help: "Total turns resumed from a continuation token",
		}),
		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "senka_rate_limit_rejections_total",
			Help: "Total dispatches rejected by the rate limiter",
		}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "senka_response_cache_hits_total",
			Help: "Total final responses served from the cache",
		}),
	}

	registry.MustRegister(
		m.TurnsTotal,
		m.TurnCost,
		m.ToolExecutionsTotal,
		m.ContinuationsSuspendedTotal,
		m.ContinuationsResumedTotal,
		m.RateLimitRejectionsTotal,
		m.CacheHitsTotal,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics in Prometheus text
// format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTurn records one finished turn. Safe on a nil receiver so callers
// can leave metrics unconfigured.
func (m *Metrics) ObserveTurn(mode, status string, cost float64) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(mode, status).Inc()
	m.TurnCost.Observe(cost)
}

// ObserveTool records one tool execution.
func (m *Metrics) ObserveTool(scene, tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(scene, tool, outcome).Inc()
}

// ObserveSuspend records a turn suspension.
func (m *Metrics) ObserveSuspend() {
	if m == nil {
		return
	}
	m.ContinuationsSuspendedTotal.Inc()
}

// ObserveResume records a turn resumption.
func (m *Metrics) ObserveResume() {
	if m == nil {
		return
	}
	m.ContinuationsResumedTotal.Inc()
}

// ObserveRateLimitRejection records one rejected dispatch.
func (m *Metrics) ObserveRateLimitRejection() {
	if m == nil {
		return
	}
	m.RateLimitRejectionsTotal.Inc()
}

// ObserveCacheHit records one cache-served final response.
func (m *Metrics) ObserveCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}
