// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clovershield"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"method", "route"},
	)

	predictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "predictions_total",
			Help:      "Scored transactions by decision and mode",
		},
		[]string{"decision", "mode"},
	)

	predictionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "latency_seconds",
			Help:      "Scoring latency including attribution",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16), // 50µs to ~1.6s
		},
		[]string{"mode"},
	)

	fraudProbability = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "probability",
			Help:      "Distribution of predicted fraud probabilities",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 9),
		},
	)

	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "cache_hits_total",
			Help:      "Predictions served from the cache",
		},
	)

	explainDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "explain",
			Name:      "degraded_total",
			Help:      "Explanations that fell back to zero attributions",
		},
	)

	modelActivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "activations_total",
			Help:      "Model activation attempts by result",
		},
		[]string{"result"},
	)

	modelInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "info",
			Help:      "Active model version, set to 1 for the active version",
		},
		[]string{"version", "mode"},
	)

	backtestRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_total",
			Help:      "Backtest runs by result",
		},
		[]string{"result"},
	)

	replayEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "emitted_total",
			Help:      "Records emitted by the replay simulator",
		},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route, status string, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObservePrediction records one scored transaction.
func ObservePrediction(decision, mode string, probability float64, d time.Duration) {
	predictionsTotal.WithLabelValues(decision, mode).Inc()
	predictionLatency.WithLabelValues(mode).Observe(d.Seconds())
	fraudProbability.Observe(probability)
}

// CacheHit counts a prediction served from cache.
func CacheHit() { cacheHits.Inc() }

// ExplainDegraded counts a zero-attribution fallback.
func ExplainDegraded() { explainDegraded.Inc() }

// ModelActivation records an activation attempt.
func ModelActivation(err error) {
	if err != nil {
		modelActivations.WithLabelValues("error").Inc()
		return
	}
	modelActivations.WithLabelValues("ok").Inc()
}

// SetActiveModel marks version as the one serving traffic.
func SetActiveModel(version, mode string) {
	modelInfo.Reset()
	modelInfo.WithLabelValues(version, mode).Set(1)
}

// BacktestRun records a backtest by result: ok, rejected or error.
func BacktestRun(result string) {
	backtestRuns.WithLabelValues(result).Inc()
}

// ReplayEmitted counts one replayed record.
func ReplayEmitted() { replayEmitted.Inc() }
