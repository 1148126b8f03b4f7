package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"queuectl/internal/models"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_jobs_failed_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_jobs_dead_total", Help: "Jobs moved to the DLQ"})
	DLQRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_dlq_retries_total", Help: "Dead jobs re-queued by an operator"})
	ClaimErrors      = prometheus.NewCounter(prometheus.CounterOpts{Name: "queuectl_claim_errors_total", Help: "Poll-and-lock attempts that failed"})
	ControlRequests  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "queuectl_control_requests_total", Help: "Control channel requests by command and outcome"}, []string{"command", "outcome"})
	JobsByState      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queuectl_jobs", Help: "Jobs per state"}, []string{"state"})
	WorkersGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queuectl_workers", Help: "Workers tracked by the daemon"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			DLQRetries,
			ClaimErrors,
			ControlRequests,
			JobsByState,
			WorkersGauge,
		)
	})
	return promhttp.Handler()
}

// SetJobCounts publishes a CountByState result. States missing from counts read 0.
func SetJobCounts(counts map[models.State]int) {
	for _, st := range models.States {
		JobsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
