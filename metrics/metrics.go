// Package metrics exposes Prometheus collectors for the scrapeflow service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	scrapeRequestsTotal        *prometheus.CounterVec
	engineRunsTotal            *prometheus.CounterVec
	engineRunDurationSeconds   prometheus.Histogram
	engineActiveProcesses      prometheus.Gauge
	llmRequestsTotal           *prometheus.CounterVec
	admissionInFlight          prometheus.Gauge
	breakerOpen                prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"method", "route"},
		)

		scrapeRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeflow_scrape_requests_total",
				Help: "Scrape requests by outcome (success, degraded, or an error code).",
			},
			[]string{"outcome"},
		)

		engineRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeflow_engine_runs_total",
				Help: "Engine subprocess runs by outcome.",
			},
			[]string{"outcome"},
		)

		engineRunDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrapeflow_engine_run_duration_seconds",
				Help:    "Wall time of engine subprocess runs.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60},
			},
		)

		engineActiveProcesses = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapeflow_engine_active_processes",
				Help: "Engine subprocesses currently tracked.",
			},
		)

		llmRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeflow_llm_requests_total",
				Help: "LLM enhancement calls by outcome.",
			},
			[]string{"outcome"},
		)

		admissionInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapeflow_admission_in_flight",
				Help: "Scrape requests currently holding an admission slot.",
			},
		)

		breakerOpen = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapeflow_breaker_open",
				Help: "1 while the circuit breaker rejects requests.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// Middleware records request count and latency for every gin route.
func Middleware() gin.HandlerFunc {
	Init()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveScrape counts a finished scrape request.
func ObserveScrape(outcome string) {
	Init()
	scrapeRequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEngineRun records one engine subprocess run.
func ObserveEngineRun(outcome string, duration time.Duration) {
	Init()
	engineRunsTotal.WithLabelValues(outcome).Inc()
	engineRunDurationSeconds.Observe(duration.Seconds())
}

// SetActiveProcesses sets the tracked subprocess gauge.
func SetActiveProcesses(n int) {
	Init()
	engineActiveProcesses.Set(float64(n))
}

// ObserveLLM counts an LLM enhancement call.
func ObserveLLM(outcome string) {
	Init()
	llmRequestsTotal.WithLabelValues(outcome).Inc()
}

// SetAdmissionInFlight sets the admission occupancy gauge.
func SetAdmissionInFlight(n int) {
	Init()
	admissionInFlight.Set(float64(n))
}

// SetBreakerOpen flips the breaker gauge.
func SetBreakerOpen(open bool) {
	Init()
	if open {
		breakerOpen.Set(1)
		return
	}
	breakerOpen.Set(0)
}
