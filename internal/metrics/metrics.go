// Package metrics exposes Prometheus collectors for the pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	seedsTotal                 *prometheus.CounterVec
	batchesTotal               *prometheus.CounterVec
	rowsTotal                  *prometheus.CounterVec
	flushDurationSeconds       *prometheus.HistogramVec
	queueLength                *prometheus.GaugeVec
	fetchInFlight              prometheus.Gauge
	schedulerState             prometheus.Gauge
	pagesTotal                 *prometheus.CounterVec
	bytesTotal                 *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	robotsTLSHandshakeTimeouts prometheus.Counter

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// repeatedly; every helper below calls it.
func Init() {
	once.Do(func() {
		seedsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cobweb_seeds_total",
				Help: "Seed dispositions, labeled by result.",
			},
			[]string{"result"},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cobweb_batches_total",
				Help: "Sink batches, labeled by sink and result (flushed or rolled_back).",
			},
			[]string{"sink", "result"},
		)

		rowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cobweb_rows_total",
				Help: "Rows committed to each sink.",
			},
			[]string{"sink"},
		)

		flushDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cobweb_flush_duration_seconds",
				Help:    "Sink flush latency, labeled by sink and result.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"sink", "result"},
		)

		queueLength = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cobweb_queue_length",
				Help: "Point-in-time queue length, labeled by queue name.",
			},
			[]string{"queue"},
		)

		fetchInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cobweb_fetch_in_flight",
				Help: "Seeds currently held by spider workers.",
			},
		)

		schedulerState = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cobweb_scheduler_state",
				Help: "Scheduler state: 0 idle, 1 refilling, 2 exhausted.",
			},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cobweb_pages_total",
				Help: "Pages fetched by the HTTP fetch routine, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		bytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cobweb_bytes_total",
				Help: "Bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cobweb_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsTLSHandshakeTimeouts = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cobweb_robots_tls_handshake_timeout_total",
				Help: "TLS handshake timeouts encountered while probing robots.txt.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveSeed counts a seed disposition.
func ObserveSeed(result string) {
	Init()
	seedsTotal.WithLabelValues(result).Inc()
}

// ObserveFlush records a sink flush attempt.
func ObserveFlush(sink string, ok bool, rows int, duration time.Duration) {
	Init()
	result := "flushed"
	if !ok {
		result = "rolled_back"
	}
	batchesTotal.WithLabelValues(sink, result).Inc()
	flushDurationSeconds.WithLabelValues(sink, result).Observe(duration.Seconds())
	if ok && rows > 0 {
		rowsTotal.WithLabelValues(sink).Add(float64(rows))
	}
}

// SetQueueLength publishes a queue length sample.
func SetQueueLength(queue string, n int) {
	Init()
	queueLength.WithLabelValues(queue).Set(float64(n))
}

// SetInFlight publishes the spider in-flight count.
func SetInFlight(n int64) {
	Init()
	fetchInFlight.Set(float64(n))
}

// SetSchedulerState publishes the scheduler state ordinal.
func SetSchedulerState(state int) {
	Init()
	schedulerState.Set(float64(state))
}

// ObserveFetch counts a page fetched by the HTTP fetch routine.
func ObserveFetch(site string, status int, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitizedSite, strconv.Itoa(status)).Inc()
	if bytesFetched > 0 {
		bytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsTLSHandshakeTimeout counts a robots.txt fetch that fell back to allow-all.
func ObserveRobotsTLSHandshakeTimeout() {
	Init()
	robotsTLSHandshakeTimeouts.Inc()
}
