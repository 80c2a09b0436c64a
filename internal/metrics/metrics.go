// Package metrics exposes Prometheus collectors for the job engine.
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
	admissionsTotal            *prometheus.CounterVec
	transitionsTotal           *prometheus.CounterVec
	quotaRejectionsTotal       prometheus.Counter
	schedulerQueueDepth        prometheus.Gauge
	dequeuesTotal              prometheus.Counter
	resyncsTotal               prometheus.Counter
	busEventsDroppedTotal      prometheus.Counter
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsync_admissions_total",
				Help: "Total job submissions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		transitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawlsync_transitions_total",
				Help: "Total committed state transitions, labeled by target state.",
			},
			[]string{"to"},
		)

		quotaRejectionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlsync_quota_rejections_total",
				Help: "Total submissions rejected for exceeding quota.",
			},
		)

		schedulerQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlsync_scheduler_queue_depth",
				Help: "Number of jobs currently waiting for assignment.",
			},
		)

		dequeuesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlsync_dequeues_total",
				Help: "Total jobs handed to workers by the scheduler.",
			},
		)

		resyncsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlsync_sync_resyncs_total",
				Help: "Total snapshot refetches triggered by sequence gaps or reconnects.",
			},
		)

		busEventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawlsync_bus_events_dropped_total",
				Help: "Transition events dropped by the bus due to backpressure.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawlsync_active_workers",
				Help: "Number of workers currently executing a job.",
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

// ObserveAdmission increments the admission counter for the given outcome.
func ObserveAdmission(outcome string) {
	admissionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTransition increments the transition counter for the target state.
func ObserveTransition(to string) {
	transitionsTotal.WithLabelValues(to).Inc()
}

// ObserveQuotaRejection counts a QuotaExceeded admission failure.
func ObserveQuotaRejection() {
	quotaRejectionsTotal.Inc()
}

// SetQueueDepth records the scheduler wait-set size.
func SetQueueDepth(depth int) {
	schedulerQueueDepth.Set(float64(depth))
}

// ObserveDequeue counts one scheduler hand-off.
func ObserveDequeue() {
	dequeuesTotal.Inc()
}

// ObserveResync counts one sync-client snapshot refetch.
func ObserveResync() {
	resyncsTotal.Inc()
}

// ObserveDroppedEvents adds to the bus backpressure drop counter.
func ObserveDroppedEvents(n int64) {
	if n > 0 {
		busEventsDroppedTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
