package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_enqueued_total",
			Help: "Total messages enqueued by channel and priority",
		},
		[]string{"channel", "priority"},
	)

	messagesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_dispatched_total",
			Help: "Dispatch attempts by channel and outcome (sent, failed, deferred)",
		},
		[]string{"channel", "outcome"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_send_duration_seconds",
			Help:    "Channel send call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_dispatch_batch_size",
			Help:    "Messages claimed per dispatch run",
			Buckets: []float64{1, 5, 10, 25, 50},
		},
	)

	sweepRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_retry_sweep_requeued_total",
			Help: "Failed messages re-queued by the retry sweep",
		},
	)

	deadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_dead_lettered_total",
			Help: "Messages moved to the dead-letter table by reason",
		},
		[]string{"reason"},
	)

	deliveryStatusWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_status_writes_total",
			Help: "Delivery status records appended by status",
		},
		[]string{"status"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_idempotency_hits_total",
			Help: "Enqueue requests served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"customer_id"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnqueued records one accepted enqueue.
func RecordEnqueued(channel string, priority int) {
	messagesEnqueued.WithLabelValues(channel, strconv.Itoa(priority)).Inc()
}

// RecordDispatched records one dispatch attempt outcome.
func RecordDispatched(channel, outcome string) {
	messagesDispatched.WithLabelValues(channel, outcome).Inc()
}

// ObserveSendDuration records the latency of one channel send call.
func ObserveSendDuration(channel string, d time.Duration) {
	sendDuration.WithLabelValues(channel).Observe(d.Seconds())
}

// ObserveBatchSize records the size of a claimed batch.
func ObserveBatchSize(n int) {
	batchSize.Observe(float64(n))
}

// RecordSweepRequeued counts messages the retry sweep put back on the queue.
func RecordSweepRequeued(n int) {
	sweepRequeued.Add(float64(n))
}

// RecordDeadLettered counts a dead-lettered message.
func RecordDeadLettered(reason string) {
	deadLettered.WithLabelValues(reason).Inc()
}

// RecordDeliveryStatusWrite counts one delivery log append.
func RecordDeliveryStatusWrite(status string) {
	deliveryStatusWrites.WithLabelValues(status).Inc()
}

// RecordIdempotencyHit records a cache hit for idempotent enqueue.
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection.
func RecordRateLimitRejection(customerID string) {
	rateLimitRejections.WithLabelValues(customerID).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
