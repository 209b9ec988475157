package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RequestsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "csb_requests_accepted_total", Help: "Requests durably recorded and enqueued"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "csb_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "csb_jobs_succeeded_total", Help: "Jobs finalized as SUCCESS"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "csb_jobs_failed_total", Help: "Jobs finalized as FAILED (permanent failure)"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "csb_jobs_retried_total", Help: "Jobs reverted and requeued after a transient failure"})
	JobsDiscarded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "csb_jobs_discarded_total", Help: "Messages dropped: malformed, unknown, or duplicate delivery"})
	QueueDepth       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "csb_queue_depth", Help: "Messages waiting per provider queue"}, []string{"provider"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RequestsAccepted,
			RateLimitRejects,
			JobsSucceeded,
			JobsFailed,
			JobsRetried,
			JobsDiscarded,
			QueueDepth,
		)
	})
	return promhttp.Handler()
}
