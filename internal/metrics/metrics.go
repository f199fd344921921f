// Package metrics defines the sidecar's Prometheus collectors and the
// optional localhost observability listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts protocol requests by method and outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "akidb_embed_requests_total",
			Help: "Total protocol requests handled, by method and status",
		},
		[]string{"method", "status"},
	)

	// RequestDuration measures request handling latency. Buckets span cache
	// hits (sub-millisecond) through cold model loads (tens of seconds).
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "akidb_embed_request_duration_seconds",
			Help:    "Duration of protocol request handling in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"method"},
	)

	// EmbeddedTexts counts texts embedded across all batches.
	EmbeddedTexts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "akidb_embed_texts_total",
			Help: "Total number of texts embedded",
		},
	)

	// LoadedSessions tracks how many models are loaded right now.
	LoadedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "akidb_embed_loaded_sessions",
			Help: "Number of models currently loaded",
		},
	)
)

// RegisterCachedModels registers a gauge that counts cached models on each
// scrape. Call it at most once per process.
func RegisterCachedModels(cache CacheSource) {
	promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "akidb_embed_cached_models",
			Help: "Number of models present in the local cache",
		},
		func() float64 {
			return float64(len(cache.ListCached()))
		},
	)
}
