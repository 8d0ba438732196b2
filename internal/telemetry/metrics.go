package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Enqueues rejected by rate limiter"})
	ClaimsGranted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "claims_granted_total", Help: "Claims that handed a job to a worker"})
	ClaimsEmpty      = prometheus.NewCounter(prometheus.CounterOpts{Name: "claims_empty_total", Help: "Claims answered with no work (empty queue or no capacity)"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that failed"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_cancelled_total", Help: "Jobs cancelled"})
	StaleLocksSwept  = prometheus.NewCounter(prometheus.CounterOpts{Name: "vram_stale_locks_swept_total", Help: "Locks reclaimed by the stale sweep"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queued", Help: "Jobs currently queued"})
	VramLockedGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vram_locked_mb", Help: "VRAM currently reserved by unreleased locks"}, []string{"node"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			ClaimsGranted,
			ClaimsEmpty,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			StaleLocksSwept,
			QueueDepthGauge,
			VramLockedGauge,
		)
	})
	return promhttp.Handler()
}
