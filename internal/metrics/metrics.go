// Package metrics exposes Prometheus collectors for the analysis service.
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
	runsTotal                  *prometheus.CounterVec
	captureTierTotal           *prometheus.CounterVec
	scoringCallsTotal          *prometheus.CounterVec
	rateLimitWaitSeconds       prometheus.Histogram
	browserActiveOperations    prometheus.Gauge
	browserProcesses           prometheus.Gauge
	progressSubscribers        prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitelens_runs_total",
				Help: "Total number of analysis runs reaching a terminal status.",
			},
			[]string{"status"},
		)

		captureTierTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitelens_capture_tier_total",
				Help: "Capture attempts by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		)

		scoringCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitelens_scoring_calls_total",
				Help: "AI scoring calls by criterion and outcome.",
			},
			[]string{"criterion", "outcome"},
		)

		rateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sitelens_rate_limit_wait_seconds",
				Help:    "Histogram of outbound rate limit wait durations.",
				Buckets: []float64{0.01, 0.05, 0.125, 0.25, 0.5, 1, 2, 5},
			},
		)

		browserActiveOperations = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitelens_browser_active_operations",
				Help: "Browser contexts currently checked out of the pool.",
			},
		)

		browserProcesses = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitelens_browser_processes",
				Help: "Headless browser processes currently alive.",
			},
		)

		progressSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitelens_progress_subscribers",
				Help: "Active progress stream subscribers.",
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

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRun increments the terminal run counter for the given status.
func ObserveRun(status string) {
	if runsTotal != nil {
		runsTotal.WithLabelValues(status).Inc()
	}
}

// ObserveCaptureTier records a capture tier attempt outcome.
func ObserveCaptureTier(tier, outcome string) {
	if captureTierTotal != nil {
		captureTierTotal.WithLabelValues(tier, outcome).Inc()
	}
}

// ObserveScoringCall records one AI scoring call outcome.
func ObserveScoringCall(criterion, outcome string) {
	if scoringCallsTotal != nil {
		scoringCallsTotal.WithLabelValues(criterion, outcome).Inc()
	}
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(d time.Duration) {
	if rateLimitWaitSeconds != nil {
		rateLimitWaitSeconds.Observe(d.Seconds())
	}
}

// SetBrowserActiveOperations updates the active operations gauge.
func SetBrowserActiveOperations(n int) {
	if browserActiveOperations != nil {
		browserActiveOperations.Set(float64(n))
	}
}

// SetBrowserProcesses updates the live process gauge.
func SetBrowserProcesses(n int) {
	if browserProcesses != nil {
		browserProcesses.Set(float64(n))
	}
}

// IncProgressSubscribers increments the subscriber gauge.
func IncProgressSubscribers() {
	if progressSubscribers != nil {
		progressSubscribers.Inc()
	}
}

// DecProgressSubscribers decrements the subscriber gauge.
func DecProgressSubscribers() {
	if progressSubscribers != nil {
		progressSubscribers.Dec()
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
