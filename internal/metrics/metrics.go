package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlens_events_ingested_total",
		Help: "Total number of events written to the store, labelled by ingest source.",
	}, []string{"source"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlens_events_rejected_total",
		Help: "Total number of events refused at ingest, labelled by reason.",
	}, []string{"reason"})

	JobsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlens_jobs_run_total",
		Help: "Total number of engine jobs run, labelled by job name and status.",
	}, []string{"job", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventlens_job_duration_ms",
		Help:    "Engine job latency in milliseconds.",
		Buckets: []float64{5, 25, 100, 250, 1000, 2500, 10000, 30000, 120000},
	}, []string{"job"})

	SummariesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlens_summaries_written_total",
		Help: "Total number of period summaries persisted, labelled by period.",
	}, []string{"period"})

	AnomaliesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlens_anomalies_found_total",
		Help: "Total number of anomaly findings, labelled by rule.",
	}, []string{"rule"})

	RetentionRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventlens_retention_records_total",
		Help: "Total number of records removed or anonymized by retention, labelled by record type and action.",
	}, []string{"record_type", "action"})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eventlens_job_queue_utilization_ratio",
		Help: "Current job queue utilization (0–1).",
	})
)
