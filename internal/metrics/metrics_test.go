package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.StreamStarted()
	m.StreamStarted()
	m.StreamFinished("completed")
	m.Transition("Proposed", "Confirmed")
	m.Transition("Proposed", "Confirmed")
	m.TransitionConflict()
	m.Suggestion("none")
	m.ExecutionFinished("note", "Completed", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamTerminals.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.actionTransitions.WithLabelValues("Proposed", "Confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitionConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.suggestions.WithLabelValues("none")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Transition("Confirmed", "Executing")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `shsh_action_transitions_total{from="Confirmed",to="Executing"} 1`), body)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.StreamStarted()
	m.StreamFinished("error")
	m.Transition("a", "b")
	m.TransitionConflict()
	m.ExecutionFinished("note", "Failed", time.Second)
	m.Suggestion("proposed")
	assert.Nil(t, m.Registry())
}
