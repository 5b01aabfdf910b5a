// Package telemetry exposes Prometheus collectors for the harvester service.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal             *prometheus.CounterVec
	apiCallsTotal         *prometheus.CounterVec
	itemsProcessedTotal   *prometheus.CounterVec
	rateLimitWaitSeconds  prometheus.Histogram
	apiCallDurationSecond *prometheus.HistogramVec
	activeWorkers         prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Total number of jobs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		apiCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_api_calls_total",
				Help: "Total number of external API calls, labeled by method and outcome.",
			},
			[]string{"method", "outcome"},
		)

		itemsProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_items_processed_total",
				Help: "Total number of items processed, labeled by phase.",
			},
			[]string{"phase"},
		)

		rateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_wait_seconds",
				Help:    "Histogram of time spent waiting on the shared quota gate.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		apiCallDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_api_call_duration_seconds",
				Help:    "Histogram of external API call latencies, labeled by method.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJobFinished increments the per-status job counter.
func ObserveJobFinished(status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveAPICall records one external call with its outcome and latency.
func ObserveAPICall(method, outcome string, duration time.Duration) {
	if apiCallsTotal == nil {
		return
	}
	apiCallsTotal.WithLabelValues(method, outcome).Inc()
	apiCallDurationSecond.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveItemProcessed increments the per-phase item counter.
func ObserveItemProcessed(phase string) {
	if itemsProcessedTotal == nil {
		return
	}
	itemsProcessedTotal.WithLabelValues(phase).Inc()
}

// ObserveRateLimitWait records how long a caller blocked on the limiter.
func ObserveRateLimitWait(duration time.Duration) {
	if rateLimitWaitSeconds == nil {
		return
	}
	rateLimitWaitSeconds.Observe(duration.Seconds())
}

// WorkerStarted bumps the active worker gauge.
func WorkerStarted() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// WorkerStopped drops the active worker gauge.
func WorkerStopped() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}
