package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
)

// Metrics holds the Prometheus collectors of the toolkit daemon.
type Metrics struct {
	// Counters
	RunsTotal            *prometheus.CounterVec
	CleanupFailuresTotal prometheus.Counter
	APIRequestsTotal     *prometheus.CounterVec

	// Gauges
	RunsActive       prometheus.Gauge
	EventSubscribers prometheus.Gauge

	// Histograms
	RunDuration  *prometheus.HistogramVec
	PollAttempts prometheus.Histogram
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics registers the collectors with the default registry once.
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "odoo_toolkit_query_runs_total",
					Help: "Finished query runs by outcome",
				},
				[]string{"outcome", "commit"},
			),
			CleanupFailuresTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "odoo_toolkit_cleanup_failures_total",
					Help: "Remote cleanup steps that failed",
				},
			),
			APIRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "odoo_toolkit_api_requests_total",
					Help: "API requests by route and status code",
				},
				[]string{"route", "status"},
			),
			RunsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "odoo_toolkit_query_runs_active",
					Help: "Query runs between authentication and cleanup",
				},
			),
			EventSubscribers: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "odoo_toolkit_event_subscribers",
					Help: "Connected run event subscribers",
				},
			),
			RunDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "odoo_toolkit_query_run_duration_seconds",
					Help:    "Time from run start to its outcome",
					Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
				},
				[]string{"outcome"},
			),
			PollAttempts: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "odoo_toolkit_query_poll_attempts",
					Help:    "Result key reads per run",
					Buckets: prometheus.LinearBuckets(1, 2, 10),
				},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// ObserveTransition records run outcomes. It makes *Metrics a
// sqlrunner.Observer.
func (m *Metrics) ObserveTransition(t sqlrunner.Transition) {
	if m == nil {
		return
	}
	switch {
	case t.To == sqlrunner.StateAuthenticated:
		m.RunsActive.Inc()
	case t.To.Terminal():
		outcome := string(t.To)
		commit := "false"
		if t.Run.Commit {
			commit = "true"
		}
		m.RunsTotal.WithLabelValues(outcome, commit).Inc()
		m.RunDuration.WithLabelValues(outcome).Observe(t.At.Sub(t.Run.StartedAt).Seconds())
		m.PollAttempts.Observe(float64(t.Run.PollAttempts))
	case t.To == sqlrunner.StateCleanedUp && t.Run.Authenticated():
		m.RunsActive.Dec()
		if t.Run.CleanupFailures > 0 {
			m.CleanupFailuresTotal.Add(float64(t.Run.CleanupFailures))
		}
	}
}

// RecordRequest counts one API response.
func (m *Metrics) RecordRequest(route string, status int) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.WithLabelValues(route, statusLabel(status)).Inc()
}

// SetEventSubscribers sets the current number of /ws/runs clients.
func (m *Metrics) SetEventSubscribers(count int) {
	if m == nil {
		return
	}
	m.EventSubscribers.Set(float64(count))
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
