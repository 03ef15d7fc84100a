// Package metrics holds the Prometheus collectors for the billing pipeline.
// All Record methods are safe on a nil *Registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for TitleForge
type Registry struct {
	reg *prometheus.Registry

	// Submission and settlement outcomes
	Submissions  *prometheus.CounterVec
	WorkerEvents *prometheus.CounterVec
	LedgerWrites *prometheus.CounterVec

	// Transport
	Published       *prometheus.CounterVec
	PublishDuration prometheus.Histogram
	Consumed        *prometheus.CounterVec

	// HTTP
	HTTPDuration *prometheus.HistogramVec
}

// NewRegistry creates a registry with every TitleForge collector registered
func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		Submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titleforge_submissions_total",
				Help: "Submitted requests by outcome",
			},
			[]string{"outcome"},
		),

		WorkerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titleforge_worker_events_total",
				Help: "Worker events handled by reported status and outcome",
			},
			[]string{"status", "outcome"},
		),

		LedgerWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titleforge_ledger_writes_total",
				Help: "Ledger entries appended by kind",
			},
			[]string{"kind"},
		),

		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titleforge_tasks_published_total",
				Help: "Task publish attempts by result",
			},
			[]string{"result"},
		),

		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "titleforge_task_publish_duration_seconds",
				Help:    "Time spent publishing a task including retries",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
		),

		Consumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titleforge_results_consumed_total",
				Help: "Result messages consumed by disposition",
			},
			[]string{"disposition"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "titleforge_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	m.reg.MustRegister(
		m.Submissions,
		m.WorkerEvents,
		m.LedgerWrites,
		m.Published,
		m.PublishDuration,
		m.Consumed,
		m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler exposes the registry for scraping
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry, mainly for tests
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}

func (m *Registry) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
}

func (m *Registry) RecordWorkerEvent(status, outcome string) {
	if m == nil {
		return
	}
	m.WorkerEvents.WithLabelValues(status, outcome).Inc()
}

func (m *Registry) RecordLedgerWrite(kind string) {
	if m == nil {
		return
	}
	m.LedgerWrites.WithLabelValues(kind).Inc()
}

func (m *Registry) RecordPublish(result string, started time.Time) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(result).Inc()
	m.PublishDuration.Observe(time.Since(started).Seconds())
}

func (m *Registry) RecordConsumed(disposition string) {
	if m == nil {
		return
	}
	m.Consumed.WithLabelValues(disposition).Inc()
}

func (m *Registry) RecordHTTP(method, route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
}
