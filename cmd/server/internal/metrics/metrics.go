package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts API requests by endpoint and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceid_requests_total",
			Help: "Total number of API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	// RequestDuration tracks end-to-end request latency per endpoint.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voiceid_request_duration_seconds",
			Help:    "Request duration in seconds by endpoint",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	// ExtractionDuration tracks embedding extraction latency.
	ExtractionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voiceid_extraction_duration_seconds",
			Help:    "Embedding extraction duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// CacheLookupsTotal counts cache lookups by result (hit/miss/error).
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceid_cache_lookups_total",
			Help: "Total number of remote-audio cache lookups by result",
		},
		[]string{"result"},
	)

	// ModelReady reports whether the model handle is in the Ready state
	// (0=not ready, 1=ready).
	ModelReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voiceid_model_ready",
			Help: "Model readiness (0=not ready, 1=ready)",
		},
	)

	// ModelLoadAttemptsTotal counts model load attempts by outcome.
	ModelLoadAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voiceid_model_load_attempts_total",
			Help: "Total number of model load attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records one completed API request.
func RecordRequest(endpoint string, success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	RequestsTotal.WithLabelValues(endpoint, status).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}

// RecordExtraction records one embedding extraction.
func RecordExtraction(durationSeconds float64) {
	ExtractionDuration.Observe(durationSeconds)
}

// RecordCacheLookup records a cache lookup outcome.
func RecordCacheLookup(result string) {
	CacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetModelReady flips the readiness gauge.
func SetModelReady(ready bool) {
	if ready {
		ModelReady.Set(1)
	} else {
		ModelReady.Set(0)
	}
}

// RecordLoadAttempt records a model load attempt outcome.
func RecordLoadAttempt(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	ModelLoadAttemptsTotal.WithLabelValues(outcome).Inc()
}
