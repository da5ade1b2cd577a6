// Package metrics exposes Prometheus collectors for the rank checker.
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
	itemsTotal                 *prometheus.CounterVec
	itemDurationSeconds        *prometheus.HistogramVec
	pagesTotal                 *prometheus.CounterVec
	blocksTotal                prometheus.Counter
	rotationsTotal             *prometheus.CounterVec
	claimedTotal               prometheus.Counter
	staleRecoveredTotal        prometheus.Counter
	dispositionsTotal          *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	navigationWaitSeconds      prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_items_total",
				Help: "Total number of items resolved, labeled by result status.",
			},
			[]string{"status"},
		)

		itemDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rankwatch_item_duration_seconds",
				Help:    "Histogram of per-item resolution time, labeled by result status.",
				Buckets: []float64{5, 15, 30, 60, 120, 240, 480},
			},
			[]string{"status"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_pages_total",
				Help: "Total number of result pages scanned, labeled by extraction source.",
			},
			[]string{"source"},
		)

		blocksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rankwatch_blocks_total",
				Help: "Total number of blocked item outcomes.",
			},
		)

		rotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_egress_rotations_total",
				Help: "Total number of egress rotations, labeled by success.",
			},
			[]string{"success"},
		)

		claimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rankwatch_claimed_total",
				Help: "Total number of work items claimed.",
			},
		)

		staleRecoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rankwatch_stale_recovered_total",
				Help: "Total number of stale claims reset to pending.",
			},
		)

		dispositionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankwatch_dispositions_total",
				Help: "Total number of finalized items, labeled by disposition.",
			},
			[]string{"disposition"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rankwatch_active_workers",
				Help: "Number of workers currently resolving an item.",
			},
		)

		navigationWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rankwatch_navigation_wait_seconds",
				Help:    "Histogram of time spent waiting on the navigation pacer.",
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

// ObserveItem records one terminal item outcome.
func ObserveItem(status string, duration time.Duration) {
	Init()
	itemsTotal.WithLabelValues(status).Inc()
	itemDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObservePage records one scanned page by extraction source.
func ObservePage(source string) {
	Init()
	pagesTotal.WithLabelValues(source).Inc()
}

// ObserveBlock increments the blocked outcome counter.
func ObserveBlock() {
	Init()
	blocksTotal.Inc()
}

// ObserveRotation records one egress rotation attempt.
func ObserveRotation(success bool) {
	Init()
	rotationsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// ObserveClaimed adds n claimed items.
func ObserveClaimed(n int) {
	Init()
	claimedTotal.Add(float64(n))
}

// ObserveStaleRecovered adds n recovered claims.
func ObserveStaleRecovered(n int) {
	Init()
	staleRecoveredTotal.Add(float64(n))
}

// ObserveDisposition records how an item left the processing state.
func ObserveDisposition(disposition string) {
	Init()
	dispositionsTotal.WithLabelValues(disposition).Inc()
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

// ObserveNavigationWait records time spent blocked on the navigation pacer.
func ObserveNavigationWait(duration time.Duration) {
	Init()
	navigationWaitSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
