// Copyright 2025 James Ross
package obs

import "github.com/prometheus/client_golang/prometheus"

var (
	DatasetsUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataset_processor_datasets_uploaded_total",
		Help: "Total datasets accepted via the upload endpoint.",
	})
	DatasetsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataset_processor_datasets_deduplicated_total",
		Help: "Total uploads that matched an existing dataset checksum.",
	})
	JobsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataset_processor_jobs_enqueued_total",
		Help: "Total jobs successfully published to the broker.",
	})
	JobsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataset_processor_jobs_consumed_total",
		Help: "Total job messages dequeued by workers.",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataset_processor_jobs_completed_total",
		Help: "Total jobs that reached Success.",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataset_processor_jobs_failed_total",
		Help: "Total jobs that reached Failure.",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataset_processor_jobs_retried_total",
		Help: "Total transient-failure retry attempts.",
	})
	JobsDuplicateClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataset_processor_jobs_duplicate_claims_total",
		Help: "Total claim attempts that lost the CAS race to another delivery.",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dataset_processor_reaper_recovered_total",
		Help: "Total job messages re-delivered by the reaper after a missed heartbeat.",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dataset_processor_worker_active",
		Help: "Number of currently running worker goroutines.",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dataset_processor_circuit_breaker_state",
		Help: "0=closed 1=half-open 2=open.",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dataset_processor_job_processing_duration_seconds",
		Help:    "End-to-end duration of a single pipeline run.",
		Buckets: prometheus.DefBuckets,
	})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dataset_processor_http_request_duration_seconds",
		Help:    "HTTP handler latency by request path, method, and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
)

func init() {
	prometheus.MustRegister(
		DatasetsUploaded,
		DatasetsDeduplicated,
		JobsEnqueued,
		JobsConsumed,
		JobsCompleted,
		JobsFailed,
		JobsRetried,
		JobsDuplicateClaims,
		ReaperRecovered,
		WorkerActive,
		CircuitBreakerState,
		JobProcessingDuration,
		HTTPRequestDuration,
	)
}
