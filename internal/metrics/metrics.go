// Package metrics exposes Prometheus collectors for the crawl scheduler.
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
	queueDepth                 prometheus.Gauge
	hostsTracked               prometheus.Gauge
	activeWorkers              prometheus.Gauge
	hostBlackoutsTotal         *prometheus.CounterVec
	dispositionsTotal          *prometheus.CounterVec
	dequeueWaitSeconds         prometheus.Histogram
	rateLimitDelaysSeconds     prometheus.Histogram
	cacheWriteFailuresTotal    prometheus.Counter
	internalErrorsTotal        prometheus.Counter
	robotsFallbacksTotal       *prometheus.CounterVec
	headlessPromotionsTotal    *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawlsched_queue_depth",
			Help: "Number of requests waiting in the request queue.",
		})
		hostsTracked = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawlsched_hosts_tracked",
			Help: "Number of hosts with live throttle state.",
		})
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crawlsched_active_workers",
			Help: "Number of workers currently fetching.",
		})
		hostBlackoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_host_blackouts_total",
			Help: "Host blackouts entered, labeled by trigger.",
		}, []string{"reason"})
		dispositionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_request_dispositions_total",
			Help: "Requests leaving a fetch attempt, labeled by disposition.",
		}, []string{"disposition"})
		dequeueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlsched_dequeue_wait_seconds",
			Help:    "Time workers spend waiting for an admissible request.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		})
		rateLimitDelaysSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlsched_rate_limit_delays_seconds",
			Help:    "Delays imposed by rate limiting: global token waits and server Retry-After hints.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		})
		cacheWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlsched_cache_write_failures_total",
			Help: "Write-through cache puts that failed and were swallowed.",
		})
		internalErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "crawlsched_internal_errors_total",
			Help: "Fetch attempts that ended in an internal scheduler error.",
		})
		robotsFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_robots_fallbacks_total",
			Help: "robots.txt probes that gave up and allowed the fetch, labeled by reason.",
		}, []string{"reason"})
		headlessPromotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_headless_promotions_total",
			Help: "HTTP responses re-fetched in headless Chrome, labeled by render result.",
		}, []string{"result"})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetQueueDepth records the current queue size.
func SetQueueDepth(n int) {
	Init()
	queueDepth.Set(float64(n))
}

// SetHostsTracked records how many hosts have throttle state.
func SetHostsTracked(n int) {
	Init()
	hostsTracked.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveBlackout counts a host entering blackout.
func ObserveBlackout(reason string) {
	Init()
	hostBlackoutsTotal.WithLabelValues(reason).Inc()
}

// ObserveDisposition counts what happened to a request after an attempt.
func ObserveDisposition(disposition string) {
	Init()
	dispositionsTotal.WithLabelValues(disposition).Inc()
}

// ObserveDequeueWait records how long a worker waited for work.
func ObserveDequeueWait(d time.Duration) {
	Init()
	dequeueWaitSeconds.Observe(d.Seconds())
}

// ObserveRateLimitDelay records the duration of a global rate token wait.
func ObserveRateLimitDelay(d time.Duration) {
	Init()
	rateLimitDelaysSeconds.Observe(d.Seconds())
}

// ObserveCacheWriteFailure counts a swallowed cache write failure.
func ObserveCacheWriteFailure() {
	Init()
	cacheWriteFailuresTotal.Inc()
}

// ObserveInternalError counts an internal-error outcome.
func ObserveInternalError() {
	Init()
	internalErrorsTotal.Inc()
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback(reason string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveHeadlessPromotion counts a page re-rendered in the browser.
func ObserveHeadlessPromotion(result string) {
	Init()
	headlessPromotionsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the ops HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
