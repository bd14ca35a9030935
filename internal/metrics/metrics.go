// Package metrics exposes Prometheus collectors for the dispatch service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dispatchPreparesTotal         *prometheus.CounterVec
	dispatchReportsTotal          *prometheus.CounterVec
	dispatchRateLimitWaitSeconds  *prometheus.HistogramVec
	dispatchProxyRotationsTotal   prometheus.Counter
	dispatchHealthyProxies        *prometheus.GaugeVec
	dispatchActiveSessions        prometheus.Gauge
	dispatchSessionEvictionsTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		dispatchPreparesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_prepares_total",
				Help: "Total number of prepared requests, labeled by platform.",
			},
			[]string{"platform"},
		)

		dispatchReportsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_reports_total",
				Help: "Total number of reported outcomes, labeled by platform and result.",
			},
			[]string{"platform", "result"},
		)

		dispatchRateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_rate_limit_wait_seconds",
				Help:    "Histogram of rate limit wait durations, labeled by domain.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		dispatchProxyRotationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_proxy_rotations_total",
				Help: "Total number of proxy session rotations.",
			},
		)

		dispatchHealthyProxies = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_healthy_proxies",
				Help: "Number of healthy proxies, labeled by region.",
			},
			[]string{"region"},
		)

		dispatchActiveSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatch_active_sessions",
				Help: "Number of live browser sessions.",
			},
		)

		dispatchSessionEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatch_session_evictions_total",
				Help: "Total number of sessions evicted after timing out.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePrepare increments the prepared-request counter.
func ObservePrepare(platform string) {
	if dispatchPreparesTotal == nil {
		return
	}
	dispatchPreparesTotal.WithLabelValues(platform).Inc()
}

// ObserveReport increments the outcome counter for the given result.
func ObserveReport(platform string, success bool) {
	if dispatchReportsTotal == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	dispatchReportsTotal.WithLabelValues(platform, result).Inc()
}

// ObserveRateLimitWait records the duration spent waiting for admission.
func ObserveRateLimitWait(domain string, duration time.Duration) {
	if dispatchRateLimitWaitSeconds == nil {
		return
	}
	dispatchRateLimitWaitSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveProxyRotation increments the rotation counter.
func ObserveProxyRotation() {
	if dispatchProxyRotationsTotal == nil {
		return
	}
	dispatchProxyRotationsTotal.Inc()
}

// SetHealthyProxies records the healthy proxy count for a region.
func SetHealthyProxies(region string, count int) {
	if dispatchHealthyProxies == nil {
		return
	}
	dispatchHealthyProxies.WithLabelValues(region).Set(float64(count))
}

// SetActiveSessions records the live session count.
func SetActiveSessions(count int) {
	if dispatchActiveSessions == nil {
		return
	}
	dispatchActiveSessions.Set(float64(count))
}

// ObserveSessionEvictions adds to the eviction counter.
func ObserveSessionEvictions(count int) {
	if dispatchSessionEvictionsTotal == nil || count <= 0 {
		return
	}
	dispatchSessionEvictionsTotal.Add(float64(count))
}
