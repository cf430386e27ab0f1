package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crossbook"

// Submission outcomes used as the "outcome" label.
const (
	OutcomeAccepted           = "accepted"
	OutcomeShape              = "shape"
	OutcomeAuthentication     = "authentication"
	OutcomePersistence        = "persistence"
	OutcomeMatchInconsistency = "match_inconsistency"
	OutcomeDecode             = "decode"
	OutcomePanic              = "panic"
)

// Metrics owns its registry so several exchanges (tests) can coexist in one process.
type Metrics struct {
	registry    *prometheus.Registry
	submissions *prometheus.CounterVec
	matches     *prometheus.CounterVec
	latency     prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Trade submissions by outcome.",
		}, []string{"outcome"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Committed matches by kind.",
		}, []string{"kind"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_seconds",
			Help:      "Time spent handling one submission.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
	m.registry.MustRegister(
		m.submissions,
		m.matches,
		m.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveSubmission(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	m.latency.Observe(took.Seconds())
}

func (m *Metrics) ObserveMatch(kind string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(kind).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
