package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the report workflow and correlation recomputation.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// Report transitions by target status
	Transitions *prometheus.CounterVec

	// Counted-period conflicts rejected on submit or approve
	DuplicateConflicts prometheus.Counter

	// Correlation records written, by resulting compliance status
	Recomputes *prometheus.CounterVec

	RecomputeLatency prometheus.Histogram

	QueueDepth prometheus.Gauge

	RelayedEvents prometheus.Counter
}

// New registers every planline metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planline_report_transitions_total",
			Help: "Progress report transitions by resulting status",
		}, []string{"status"}),

		DuplicateConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "planline_report_duplicate_conflicts_total",
			Help: "Reports refused because their subject and period already hold a counted report",
		}),

		Recomputes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planline_correlation_recomputes_total",
			Help: "Correlation records written by compliance status",
		}, []string{"status"}),

		RecomputeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "planline_correlation_recompute_duration_seconds",
			Help:    "Duration of recomputing every correlation of one activity",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "planline_correlation_queue_depth",
			Help: "Activities waiting for correlation recomputation",
		}),

		RelayedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "planline_relay_events_total",
			Help: "Audit events published to the message broker",
		}),
	}
}

func (m *Metrics) IncTransition(status string) {
	if m != nil {
		m.Transitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.DuplicateConflicts.Inc()
	}
}

func (m *Metrics) IncRecompute(status string) {
	if m != nil {
		m.Recomputes.WithLabelValues(status).Inc()
	}
}

// ObserveRecompute records how long one activity's recomputation took.
func (m *Metrics) ObserveRecompute(d time.Duration) {
	if m != nil {
		m.RecomputeLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) AddRelayed(n int) {
	if m != nil {
		m.RelayedEvents.Add(float64(n))
	}
}
