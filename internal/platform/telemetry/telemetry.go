// Package telemetry exposes the engine's Prometheus metrics: per-job record
// counters maintained by the ingestion engine and a gauge of running
// workers.
package telemetry

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	RecordsReceived  *prometheus.CounterVec
	RecordsProcessed *prometheus.CounterVec
	RecordsFailed    *prometheus.CounterVec
	OMOPSyncFailed   *prometheus.CounterVec
	RunningJobs      prometheus.Gauge
}

// New creates and registers the engine collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RecordsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_records_received_total",
			Help: "Records pulled from a source connector, per ingestion job.",
		}, []string{"job_id"}),
		RecordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_records_processed_total",
			Help: "Records transformed and written successfully, per ingestion job.",
		}, []string{"job_id"}),
		RecordsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_records_failed_total",
			Help: "Records routed to the dead-letter queue, per ingestion job.",
		}, []string{"job_id"}),
		OMOPSyncFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interop_omop_sync_failures_total",
			Help: "FHIR-to-OMOP fan-out failures; the FHIR write stands.",
		}, []string{"job_id"}),
		RunningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "interop_running_jobs",
			Help: "Number of ingestion workers currently running.",
		}),
	}

	registry.MustRegister(
		m.RecordsReceived,
		m.RecordsProcessed,
		m.RecordsFailed,
		m.OMOPSyncFailed,
		m.RunningJobs,
	)
	return m
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
