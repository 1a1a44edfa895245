// Package metrics contains the Prometheus collectors for the decision
// engine. Collectors are registered on the default registry; exposition
// is the embedding process's concern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the decision engine.
type Metrics struct {
	decisions    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	ruleTriggers *prometheus.CounterVec
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
	breakerState *prometheus.GaugeVec
	updates      *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with Prometheus collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verdict_decisions_total",
				Help: "Total number of decisions by pipeline, action, and terminal state",
			},
			[]string{"pipeline", "action", "state"},
		),

		stepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "verdict_step_duration_seconds",
				Help:    "Pipeline step execution duration",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"pipeline", "kind", "result"},
		),

		ruleTriggers: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verdict_rule_triggers_total",
				Help: "Total number of rule trigger outcomes",
			},
			[]string{"rule", "triggered"},
		),

		cacheHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "verdict_aggregation_cache_hits_total",
				Help: "Aggregation result cache hits",
			},
		),

		cacheMisses: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "verdict_aggregation_cache_misses_total",
				Help: "Aggregation result cache misses",
			},
		),

		breakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "verdict_circuit_breaker_state",
				Help: "Circuit breaker state per invoker (0 closed, 1 open, 2 half-open)",
			},
			[]string{"invoker"},
		),

		updates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verdict_decision_updates_total",
				Help: "Async decision refinement outcomes",
			},
			[]string{"result"},
		),
	}
}

// ObserveDecision records one completed execution.
func (m *Metrics) ObserveDecision(pipeline, action, state string) {
	m.decisions.WithLabelValues(pipeline, action, state).Inc()
}

// ObserveStep records one step execution.
func (m *Metrics) ObserveStep(pipeline, kind string, d time.Duration, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	m.stepDuration.WithLabelValues(pipeline, kind, result).Observe(d.Seconds())
}

// ObserveRule records one rule outcome.
func (m *Metrics) ObserveRule(rule string, triggered bool) {
	label := "false"
	if triggered {
		label = "true"
	}
	m.ruleTriggers.WithLabelValues(rule, label).Inc()
}

// CacheHit and CacheMiss wire into the aggregation cache hooks.
func (m *Metrics) CacheHit()  { m.cacheHits.Inc() }
func (m *Metrics) CacheMiss() { m.cacheMisses.Inc() }

// SetBreakerState records an invoker's circuit state.
func (m *Metrics) SetBreakerState(invoker string, state int) {
	m.breakerState.WithLabelValues(invoker).Set(float64(state))
}

// ObserveUpdate records one async refinement attempt.
func (m *Metrics) ObserveUpdate(result string) {
	m.updates.WithLabelValues(result).Inc()
}
