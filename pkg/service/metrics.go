package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Summary outcomes
const (
	SummaryGenerated = "generated"
	SummaryFallback  = "fallback"
	SummaryReused    = "reused"
)

// Metrics holds the Prometheus collectors for rollover, summaries and jobs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Rollovers       prometheus.Counter
	ContextWarnings prometheus.Counter
	Summaries       *prometheus.CounterVec
	Jobs            *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Rollovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "inkos_rollovers_total",
			Help: "Conversations closed and continued in a new thread",
		}),
		ContextWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "inkos_context_warnings_total",
			Help: "Conversations that crossed their context warn threshold",
		}),
		Summaries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inkos_summaries_total",
			Help: "Summary requests by outcome",
		}, []string{"outcome"}), // generated, fallback, reused
		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inkos_jobs_total",
			Help: "Finished jobs by kind and final state",
		}, []string{"kind", "state"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inkos_job_duration_seconds",
			Help:    "Job handler run time in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"kind"}),
	}
}

func (m *Metrics) rollover() {
	if m == nil {
		return
	}
	m.Rollovers.Inc()
}

func (m *Metrics) contextWarning() {
	if m == nil {
		return
	}
	m.ContextWarnings.Inc()
}

func (m *Metrics) summary(outcome string) {
	if m == nil {
		return
	}
	m.Summaries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) job(kind, state string, took time.Duration) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(kind, state).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(took.Seconds())
}
