// Package metrics defines the Prometheus collectors of the ingestion
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	FilesDiscoveredTotal *prometheus.CounterVec
	JobsCompletedTotal   *prometheus.CounterVec
	RowsImportedTotal    prometheus.Counter
	QualityScore         prometheus.Histogram
	ScanDuration         *prometheus.HistogramVec
	PushRequestsTotal    *prometheus.CounterVec
	AlertsTotal          *prometheus.CounterVec
	PendingJobs          prometheus.Gauge
	HTTPRequestsTotal    *prometheus.CounterVec
}

// New creates the collectors on a private registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FilesDiscoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_files_discovered_total",
				Help: "Files seen by scans and pushes, by source kind and outcome (queued, skipped, unstable, failed, deleted).",
			},
			[]string{"kind", "outcome"},
		),
		JobsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_completed_total",
				Help: "Ingestion jobs finished, by final status and error kind.",
			},
			[]string{"status", "error_kind"},
		),
		RowsImportedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_rows_imported_total",
				Help: "Rows persisted by successful jobs.",
			},
		),
		QualityScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_quality_score",
				Help:    "Quality score of imported files.",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),
		ScanDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_scan_duration_seconds",
				Help:    "Duration of one source scan.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		PushRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_push_requests_total",
				Help: "Agent push and delete requests by result (imported, duplicate, deleted, failed or the error kind).",
			},
			[]string{"result"},
		),
		AlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_alerts_total",
				Help: "Alerts raised, by kind and whether they were suppressed as duplicates.",
			},
			[]string{"kind", "suppressed"},
		),
		PendingJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_pending_jobs",
				Help: "Unclaimed jobs seen at the start of the last drain.",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FilesDiscoveredTotal,
		m.JobsCompletedTotal,
		m.RowsImportedTotal,
		m.QualityScore,
		m.ScanDuration,
		m.PushRequestsTotal,
		m.AlertsTotal,
		m.PendingJobs,
		m.HTTPRequestsTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// The helpers below accept a nil receiver so callers without metrics can
// pass nil.

func (m *Metrics) FileDiscovered(kind, outcome string) {
	if m == nil {
		return
	}
	m.FilesDiscoveredTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) JobCompleted(status, errorKind string, rows int) {
	if m == nil {
		return
	}
	m.JobsCompletedTotal.WithLabelValues(status, errorKind).Inc()
	if rows > 0 {
		m.RowsImportedTotal.Add(float64(rows))
	}
}

func (m *Metrics) ObserveQuality(score float64) {
	if m == nil {
		return
	}
	m.QualityScore.Observe(score)
}

func (m *Metrics) ObserveScan(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.ScanDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) PushResult(result string) {
	if m == nil {
		return
	}
	m.PushRequestsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AlertRaised(kind string, suppressed bool) {
	if m == nil {
		return
	}
	s := "false"
	if suppressed {
		s = "true"
	}
	m.AlertsTotal.WithLabelValues(kind, s).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingJobs.Set(float64(n))
}

func (m *Metrics) HTTPRequest(method, path, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}
