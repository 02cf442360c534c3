package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Submissions       = prometheus.NewCounter(prometheus.CounterOpts{Name: "http_retry_submissions_total", Help: "Retry records submitted"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "http_retry_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	DeliveryAttempts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "http_retry_delivery_attempts_total", Help: "Outbound delivery attempts issued"})
	DeliverySuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "http_retry_delivered_total", Help: "Records delivered successfully"})
	DeliveryExhausted = prometheus.NewCounter(prometheus.CounterOpts{Name: "http_retry_exhausted_total", Help: "Records that ran out of retry budget"})
	PurgedRecords     = prometheus.NewCounter(prometheus.CounterOpts{Name: "http_retry_purged_total", Help: "Finished records removed by the cleanup sweeper"})
	GateOpen          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "http_retry_fault_gate_open", Help: "1 while the datastore fault gate is open"})
	InFlightTasks     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "http_retry_inflight_tasks", Help: "Delivery tasks currently running"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Submissions,
			RateLimitRejects,
			DeliveryAttempts,
			DeliverySuccess,
			DeliveryExhausted,
			PurgedRecords,
			GateOpen,
			InFlightTasks,
		)
	})
	return promhttp.Handler()
}
