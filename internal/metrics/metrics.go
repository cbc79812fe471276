// internal/metrics/metrics.go

// Package metrics exposes Prometheus instrumentation for the sampling
// engine. Construction takes a Registerer so embedders control where the
// collectors land; a nil *Metrics is a valid no-op recorder, which keeps the
// engine free of nil checks at call sites and lets tests run without a
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/millrun/samplegate/internal/types"
)

const namespace = "samplegate"

// Metrics holds the engine's collectors.
type Metrics struct {
	decisions     *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	busyTimeouts  prometheus.Counter
	unknownScopes prometheus.Counter
	invalidConfig prometheus.Counter
}

// New registers the engine's collectors with reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Sampling decisions made, by active mode and result.",
		}, []string{"mode", "sampled"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Inspection outcomes reported, by result.",
		}, []string{"outcome"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Escalations to fallback sampling and reversions to primary.",
		}, []string{"direction"}),
		busyTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_timeouts_total",
			Help:      "Operations rejected because the scope lock stayed held past the timeout.",
		}),
		unknownScopes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_scope_total",
			Help:      "Part arrivals at scopes with no configured sampling rules.",
		}),
		invalidConfig: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_config_total",
			Help:      "Decisions that hit an invalid rule configuration.",
		}),
	}
}

// Decision records one sampling decision.
func (m *Metrics) Decision(mode types.SamplingMode, sampled bool) {
	if m == nil {
		return
	}
	label := "false"
	if sampled {
		label = "true"
	}
	m.decisions.WithLabelValues(string(mode), label).Inc()
}

// Outcome records one reported inspection outcome.
func (m *Metrics) Outcome(outcome types.Outcome) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(string(outcome)).Inc()
}

// Transition records a mode change, direction "escalate" or "revert".
func (m *Metrics) Transition(direction string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(direction).Inc()
}

// BusyTimeout records a scope lock acquisition timeout.
func (m *Metrics) BusyTimeout() {
	if m == nil {
		return
	}
	m.busyTimeouts.Inc()
}

// UnknownScope records an arrival at an unconfigured scope.
func (m *Metrics) UnknownScope() {
	if m == nil {
		return
	}
	m.unknownScopes.Inc()
}

// InvalidConfig records a decision blocked or waved through by a broken rule
// configuration.
func (m *Metrics) InvalidConfig() {
	if m == nil {
		return
	}
	m.invalidConfig.Inc()
}
