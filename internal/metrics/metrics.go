// Package metrics exposes Prometheus collectors for streams and actions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shsh"

// Metrics holds the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	streamsActive       prometheus.Gauge
	streamTerminals     *prometheus.CounterVec
	actionTransitions   *prometheus.CounterVec
	transitionConflicts prometheus.Counter
	executionDuration   *prometheus.HistogramVec
	suggestions         *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of chat streams currently generating.",
		}),
		streamTerminals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_terminal_total",
			Help:      "Streams finished, by terminal marker.",
		}, []string{"marker"}),
		actionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_transitions_total",
			Help:      "Applied action status transitions.",
		}, []string{"from", "to"}),
		transitionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_transition_conflicts_total",
			Help:      "Transitions rejected because the action was no longer in the expected state.",
		}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_execution_seconds",
			Help:      "Time from Executing to a terminal status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "status"}),
		suggestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suggestions_total",
			Help:      "Suggestion requests by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.streamsActive,
		m.streamTerminals,
		m.actionTransitions,
		m.transitionConflicts,
		m.executionDuration,
		m.suggestions,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StreamStarted increments the active stream gauge.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.streamsActive.Inc()
}

// StreamFinished decrements the active gauge and counts the marker.
func (m *Metrics) StreamFinished(marker string) {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
	m.streamTerminals.WithLabelValues(marker).Inc()
}

// Transition counts an applied status change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.actionTransitions.WithLabelValues(from, to).Inc()
}

// TransitionConflict counts a rejected compare-and-set.
func (m *Metrics) TransitionConflict() {
	if m == nil {
		return
	}
	m.transitionConflicts.Inc()
}

// ExecutionFinished observes how long an action spent executing.
func (m *Metrics) ExecutionFinished(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.executionDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}

// Suggestion counts a suggestion outcome: proposed, none or unavailable.
func (m *Metrics) Suggestion(outcome string) {
	if m == nil {
		return
	}
	m.suggestions.WithLabelValues(outcome).Inc()
}
