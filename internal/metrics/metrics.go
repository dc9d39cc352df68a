// Package metrics holds the Prometheus collectors for sync runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is nil-safe: every recording method is a no-op on a nil receiver,
// so components can take an optional *Metrics.
type Metrics struct {
	messages      *prometheus.CounterVec
	sinkResults   *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	integrations  *prometheus.CounterVec
	runDuration   prometheus.Histogram
	runsCompleted prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtx_messages_total",
			Help: "Messages processed, by outcome (new, duplicate, failed).",
		}, []string{"outcome"}),
		sinkResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtx_sink_records_total",
			Help: "Records handed to the sink, by result (inserted, duplicate, error).",
		}, []string{"result"}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtx_token_refreshes_total",
			Help: "OAuth token refresh attempts, by result.",
		}, []string{"result"}),
		integrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mailtx_integration_runs_total",
			Help: "Integration passes, by final status.",
		}, []string{"status"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailtx_run_duration_seconds",
			Help:    "Wall time of orchestration runs.",
			Buckets: prometheus.DefBuckets,
		}),
		runsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "mailtx_runs_total",
			Help: "Completed orchestration runs.",
		}),
	}
}

func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SinkResult(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sinkResults.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) TokenRefresh(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) Integration(status string) {
	if m == nil {
		return
	}
	m.integrations.WithLabelValues(status).Inc()
}

// RunFinished records one completed run that started at start.
func (m *Metrics) RunFinished(start time.Time) {
	if m == nil {
		return
	}
	m.runsCompleted.Inc()
	m.runDuration.Observe(time.Since(start).Seconds())
}
