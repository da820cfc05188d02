package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tagging_jobs_enqueued_total", Help: "Jobs admitted into the queue"})
	JobsDeduped         = prometheus.NewCounter(prometheus.CounterOpts{Name: "tagging_jobs_deduped_total", Help: "Admission calls suppressed because a job was already in flight"})
	RunsSucceeded       = prometheus.NewCounter(prometheus.CounterOpts{Name: "tagging_runs_succeeded_total", Help: "Tagging runs that completed successfully"})
	RunsFailedTransient = prometheus.NewCounter(prometheus.CounterOpts{Name: "tagging_runs_failed_transient_total", Help: "Tagging runs that failed with a transient error and were retried"})
	RunsFailedPermanent = prometheus.NewCounter(prometheus.CounterOpts{Name: "tagging_runs_failed_permanent_total", Help: "Tagging runs that failed with a permanent error and were discarded"})
	TagsApplied         = prometheus.NewCounter(prometheus.CounterOpts{Name: "tagging_tags_applied_total", Help: "Repository and file tags applied across all runs"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tagging_queue_depth", Help: "Ready queue depth"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tagging_inflight", Help: "Jobs currently leased by a worker"})
	ModelLatency        = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "tagging_model_latency_ms", Help: "Model service call latency in milliseconds", Buckets: prometheus.ExponentialBuckets(50, 2, 12)})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDeduped,
			RunsSucceeded,
			RunsFailedTransient,
			RunsFailedPermanent,
			TagsApplied,
			QueueDepthGauge,
			InFlightGauge,
			ModelLatency,
		)
	})
	return promhttp.Handler()
}
