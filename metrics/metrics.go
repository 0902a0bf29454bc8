// Package metrics holds the Prometheus metrics of the scraping pipeline.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pricewatch"

// Metrics holds all pipeline metrics.
type Metrics struct {
	JobsStarted        prometheus.Counter
	JobsFinished       *prometheus.CounterVec
	JobDurationSeconds prometheus.Histogram
	JobsRunning        prometheus.Gauge

	AdapterCalls       *prometheus.CounterVec
	AdapterFailures    *prometheus.CounterVec
	AdapterCallSeconds *prometheus.HistogramVec

	ResultsSaved    prometheus.Counter
	OutliersDropped prometheus.Counter
	AlertsCreated   prometheus.Counter
	AlertsFailed    prometheus.Counter
	RowsImported    *prometheus.CounterVec
	FXLookups       *prometheus.CounterVec
}

// New creates and registers the metrics. A nil registerer uses the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	m := &Metrics{}
	m.initJobMetrics(factory)
	m.initAdapterMetrics(factory)
	m.initResultMetrics(factory)
	return m
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsStarted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "started_total",
		Help:      "Scraping jobs that reached RUNNING",
	})
	m.JobsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Scraping jobs by terminal status",
	}, []string{"status"})
	m.JobDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Wall-clock duration of scraping jobs",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
	})
	m.JobsRunning = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "running",
		Help:      "Scraping jobs currently running in this process",
	})
}

func (m *Metrics) initAdapterMetrics(factory promauto.Factory) {
	m.AdapterCalls = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "adapter",
		Name:      "calls_total",
		Help:      "Adapter searches by outcome",
	}, []string{"source", "outcome"})
	m.AdapterFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "adapter",
		Name:      "failures_total",
		Help:      "Failed adapter searches by reason",
	}, []string{"source", "reason"})
	m.AdapterCallSeconds = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "adapter",
		Name:      "call_duration_seconds",
		Help:      "Duration of one adapter search",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"source"})
}

func (m *Metrics) initResultMetrics(factory promauto.Factory) {
	m.ResultsSaved = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "results",
		Name:      "saved_total",
		Help:      "Persisted price results",
	})
	m.OutliersDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "results",
		Name:      "outliers_dropped_total",
		Help:      "Results dropped as price outliers",
	})
	m.AlertsCreated = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "created_total",
		Help:      "Margin opportunity alerts created",
	})
	m.AlertsFailed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "failed_total",
		Help:      "Margin opportunity alerts that could not be created",
	})
	m.RowsImported = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "imports",
		Name:      "rows_total",
		Help:      "Imported price-list rows by outcome",
	}, []string{"outcome"})
	m.FXLookups = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fx",
		Name:      "lookups_total",
		Help:      "Exchange rate lookups by where the rate came from",
	}, []string{"source"})
}

// JobStarted records a job entering RUNNING.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsStarted.Inc()
	m.JobsRunning.Inc()
}

// JobFinished records a job reaching a terminal status. wasRunning is false
// for jobs that failed before RUNNING.
func (m *Metrics) JobFinished(status string, d time.Duration, wasRunning bool) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status).Inc()
	if wasRunning {
		m.JobsRunning.Dec()
		m.JobDurationSeconds.Observe(d.Seconds())
	}
}

// AdapterCall records one adapter search.
func (m *Metrics) AdapterCall(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.AdapterCalls.WithLabelValues(source, outcome).Inc()
	m.AdapterCallSeconds.WithLabelValues(source).Observe(d.Seconds())
}

// AdapterFailure records a failed search by reason.
func (m *Metrics) AdapterFailure(source, reason string) {
	if m == nil {
		return
	}
	m.AdapterFailures.WithLabelValues(source, reason).Inc()
}

// ResultSaved counts persisted results.
func (m *Metrics) ResultSaved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ResultsSaved.Add(float64(n))
}

// OutlierDropped counts results dropped by outlier filtering.
func (m *Metrics) OutlierDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OutliersDropped.Add(float64(n))
}

// AlertCreated counts alerts; failed is true when persisting it failed.
func (m *Metrics) AlertCreated(failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.AlertsFailed.Inc()
		return
	}
	m.AlertsCreated.Inc()
}

// RowImported counts import rows by outcome (valid, invalid).
func (m *Metrics) RowImported(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RowsImported.WithLabelValues(outcome).Add(float64(n))
}

// FXLookup counts exchange rate lookups by origin (identity, cache, api, fallback, miss).
func (m *Metrics) FXLookup(source string) {
	if m == nil {
		return
	}
	m.FXLookups.WithLabelValues(source).Inc()
}
