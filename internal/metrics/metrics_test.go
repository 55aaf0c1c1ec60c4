package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncTransition("APPROVED")
		m.IncDuplicate()
		m.IncRecompute("COMPLIANT")
		m.ObserveRecompute(time.Millisecond)
		m.SetQueueDepth(3)
		m.AddRelayed(2)
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncTransition("SUBMITTED")
	m.IncTransition("SUBMITTED")
	m.IncDuplicate()
	m.SetQueueDepth(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("SUBMITTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicateConflicts))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueueDepth))

	// separate instances never collide on registration
	other := New()
	assert.Zero(t, testutil.ToFloat64(other.DuplicateConflicts))
}
