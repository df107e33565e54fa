package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_enqueued_total", Help: "Total enqueued jobs"})
	CoalescedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_coalesced_total", Help: "Enqueues coalesced onto an active dedupe key"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_failed_total", Help: "Jobs that failed and will retry"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_jobs_dead_letter_total", Help: "Jobs that exhausted their retry budget"})
	LeasesReaped     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_leases_reaped_total", Help: "Expired leases reset by the reaper"})
	DeferredPromoted = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_deferred_promoted_total", Help: "Deferred jobs promoted to ready"})
	SortRebuilds     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_sort_rebuilds_total", Help: "Sort position rebuilds"})
	EventsAppended   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ingest_file_events_total", Help: "File-change events appended"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_queue_depth", Help: "Jobs ready to lease"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			CoalescedCounter,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsDeadLettered,
			LeasesReaped,
			DeferredPromoted,
			SortRebuilds,
			EventsAppended,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
