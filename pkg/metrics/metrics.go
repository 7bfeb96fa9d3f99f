// Package metrics provides Prometheus collectors for the opsflow pipeline.
//
// # Overview
//
// A Metrics value owns every collector and registers them on the
// registerer it was built with, so tests and embedded deployments can use a
// private registry:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	m.RecordIngest("pos", 10, 2, 1)
//
// All recording methods are safe to call on a nil *Metrics, which lets
// components treat metrics as optional.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opsflow"

// Metrics groups the pipeline collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	eventsIngested   *prometheus.CounterVec
	eventsDuplicate  *prometheus.CounterVec
	eventsErrored    *prometheus.CounterVec
	validationResult *prometheus.CounterVec
	transformResult  *prometheus.CounterVec
	warehouseRows    *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	connectorLatency *prometheus.HistogramVec
	connectorErrors  *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	alertsRaised     *prometheus.CounterVec
}

// New creates and registers the collectors on reg. A nil reg uses a fresh
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		eventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_ingested_total",
			Help: "Records admitted to the staging store",
		}, []string{"source"}),
		eventsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_duplicate_total",
			Help: "Records skipped because their ingest id already existed",
		}, []string{"source"}),
		eventsErrored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_errored_total",
			Help: "Records quarantined as raw errors, by stage",
		}, []string{"source", "stage"}),
		validationResult: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "validation_results_total",
			Help: "Validation outcomes",
		}, []string{"source", "outcome"}),
		transformResult: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transform_results_total",
			Help: "Transformation outcomes",
		}, []string{"source", "outcome"}),
		warehouseRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "warehouse_rows_upserted_total",
			Help: "Warehouse rows written by aggregation type",
		}, []string{"aggregation"}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Runs reaching a terminal status",
		}, []string{"job_type", "status"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help:    "Run wall time",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"job_type"}),
		connectorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "connector_request_seconds",
			Help:    "Connector request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"connector", "type"}),
		connectorErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connector_errors_total",
			Help: "Connector request failures by error type",
		}, []string{"connector", "error_type"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "task_queue_depth",
			Help: "Tasks waiting in the in-process queue",
		}),
		alertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alerts_raised_total",
			Help: "Alerts raised by severity",
		}, []string{"severity"}),
	}
}

// Handler exposes the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// RecordIngest records the outcome of one ingestion batch.
func (m *Metrics) RecordIngest(source string, ingested, duplicates, errored int) {
	if m == nil {
		return
	}
	m.eventsIngested.WithLabelValues(source).Add(float64(ingested))
	m.eventsDuplicate.WithLabelValues(source).Add(float64(duplicates))
	m.eventsErrored.WithLabelValues(source, "ingestion").Add(float64(errored))
}

// RecordValidation records validation outcomes for a source.
func (m *Metrics) RecordValidation(source string, valid, invalid int) {
	if m == nil {
		return
	}
	m.validationResult.WithLabelValues(source, "valid").Add(float64(valid))
	m.validationResult.WithLabelValues(source, "invalid").Add(float64(invalid))
	m.eventsErrored.WithLabelValues(source, "validation").Add(float64(invalid))
}

// RecordTransform records transformation outcomes for a source.
func (m *Metrics) RecordTransform(source string, ok, failed int) {
	if m == nil {
		return
	}
	m.transformResult.WithLabelValues(source, "ok").Add(float64(ok))
	m.transformResult.WithLabelValues(source, "failed").Add(float64(failed))
	m.eventsErrored.WithLabelValues(source, "processing").Add(float64(failed))
}

// RecordWarehouseRows records rows upserted by an aggregation type.
func (m *Metrics) RecordWarehouseRows(aggregation string, rows int) {
	if m == nil {
		return
	}
	m.warehouseRows.WithLabelValues(aggregation).Add(float64(rows))
}

// RecordRun records a run reaching a terminal status.
func (m *Metrics) RecordRun(jobType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(jobType, status).Inc()
	m.runDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// RecordConnectorRequest records one connector request.
func (m *Metrics) RecordConnectorRequest(connector, connectorType string, d time.Duration, errType string) {
	if m == nil {
		return
	}
	m.connectorLatency.WithLabelValues(connector, connectorType).Observe(d.Seconds())
	if errType != "" {
		m.connectorErrors.WithLabelValues(connector, errType).Inc()
	}
}

// SetQueueDepth records the number of queued tasks.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordAlert records a raised alert.
func (m *Metrics) RecordAlert(severity string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(severity).Inc()
}
