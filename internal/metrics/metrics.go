// Package metrics exposes Prometheus collectors for the fetch server.
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
	fetchesTotal               *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	queueDepth                 prometheus.Gauge
	queueWaitSeconds           prometheus.Histogram
	fetchRateDelaySeconds      prometheus.Histogram
	sessionUp                  prometheus.Gauge
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
				Name: "browser_fetch_fetches_total",
				Help: "Total number of fetches run against the browser session, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "browser_fetch_fetch_duration_seconds",
				Help:    "Histogram of time spent driving the browser for one fetch, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"outcome"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "browser_fetch_queue_depth",
				Help: "Number of fetches waiting for the browser session.",
			},
		)

		queueWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "browser_fetch_queue_wait_seconds",
				Help:    "Histogram of time fetches spent queued before the worker picked them up.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
		)

		fetchRateDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "browser_fetch_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit waits before a navigation.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		sessionUp = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "browser_fetch_session_up",
				Help: "1 while the browser session is open, 0 otherwise.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
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
	return promhttp.Handler()
}

// ObserveFetch records the outcome and duration of one unit of browser work.
func ObserveFetch(rawURL, outcome string, duration time.Duration) {
	fetchesTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveQueueWait records how long a fetch waited for the worker.
func ObserveQueueWait(duration time.Duration) {
	queueWaitSeconds.Observe(duration.Seconds())
}

// SetQueueDepth reports the number of queued fetches.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	fetchRateDelaySeconds.Observe(duration.Seconds())
}

// SetSessionUp flips the session liveness gauge.
func SetSessionUp(up bool) {
	if up {
		sessionUp.Set(1)
		return
	}
	sessionUp.Set(0)
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
