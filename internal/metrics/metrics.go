// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       prometheus.Histogram
	capturesTotal              *prometheus.CounterVec
	requeuesTotal              prometheus.Counter
	terminalFailuresTotal      prometheus.Counter
	queueDepth                 prometheus.Gauge
	bufferDepth                prometheus.Gauge
	failedDepth                prometheus.Gauge
	leadershipGauge            prometheus.Gauge
	degradedGauge              prometheus.Gauge
	rateLimitWaitSeconds       prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_fetches_total",
				Help: "Total number of fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		capturesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_captures_total",
				Help: "Total number of captured records, labeled by merge outcome.",
			},
			[]string{"outcome"},
		)

		requeuesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_requeues_total",
				Help: "Total number of entries re-appended to the queue for retry.",
			},
		)

		terminalFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "harvester_terminal_failures_total",
				Help: "Total number of entries moved to the failed list.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_queue_depth",
				Help: "Current length of the durable main queue.",
			},
		)

		bufferDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_buffer_depth",
				Help: "Current length of the shared ingestion buffer.",
			},
		)

		failedDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_failed_depth",
				Help: "Current length of the failed list.",
			},
		)

		leadershipGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_leader",
				Help: "1 while this process holds the leadership lease.",
			},
		)

		degradedGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_degraded_mode",
				Help: "1 while automatic processing is disabled after a credential failure.",
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_wait_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt and its latency.
func ObserveFetch(outcome string, duration time.Duration) {
	fetchesTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		fetchDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveCapture increments the capture counter for a merge outcome.
func ObserveCapture(outcome string) {
	capturesTotal.WithLabelValues(outcome).Inc()
}

// ObserveRequeue increments the requeue counter.
func ObserveRequeue() {
	requeuesTotal.Inc()
}

// ObserveTerminalFailure increments the failed-list counter.
func ObserveTerminalFailure() {
	terminalFailuresTotal.Inc()
}

// SetQueueDepths updates the queue, buffer and failed-list gauges.
func SetQueueDepths(queue, buffer, failed int) {
	queueDepth.Set(float64(queue))
	bufferDepth.Set(float64(buffer))
	failedDepth.Set(float64(failed))
}

// SetLeader flips the leadership gauge.
func SetLeader(leading bool) {
	if leading {
		leadershipGauge.Set(1)
		return
	}
	leadershipGauge.Set(0)
}

// SetDegraded flips the degraded-mode gauge.
func SetDegraded(degraded bool) {
	if degraded {
		degradedGauge.Set(1)
		return
	}
	degradedGauge.Set(0)
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(duration time.Duration) {
	rateLimitWaitSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
