package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API metrics
	apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingosync_api_requests_total",
		Help: "Total number of assist API requests",
	}, []string{"operation", "status"})

	// AI metrics
	aiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lingosync_ai_request_duration_seconds",
		Help:    "Duration of language service requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	aiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingosync_ai_requests_total",
		Help: "Total number of language service requests",
	}, []string{"operation", "status"})

	// Cache metrics
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingosync_cache_hits_total",
		Help: "Total number of AI result cache hits",
	}, []string{"operation", "tier"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingosync_cache_misses_total",
		Help: "Total number of AI result cache misses",
	}, []string{"operation"})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lingosync_cache_evictions_total",
		Help: "Total number of in-process cache entries evicted by the size bound",
	})

	// Rate limit metrics
	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingosync_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	}, []string{"operation"})

	// Sync metrics
	syncSnapshots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingosync_sync_snapshots_total",
		Help: "Total number of remote snapshots applied to the local store",
	}, []string{"stream"})

	syncWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingosync_sync_writes_total",
		Help: "Total number of optimistic writes committed to the remote store",
	}, []string{"operation", "status"})

	malformedDocuments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingosync_malformed_documents_total",
		Help: "Total number of remote documents skipped because they could not be parsed",
	}, []string{"kind"})

	legacyDocuments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lingosync_legacy_documents_total",
		Help: "Total number of remote documents read through a legacy schema",
	}, []string{"schema"})

	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lingosync_active_subscriptions",
		Help: "Number of live remote subscriptions",
	})
)

// Metrics provides methods to record metrics. A nil *Metrics is usable.
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordAPIRequest records an assist API request
func (m *Metrics) RecordAPIRequest(operation, status string) {
	apiRequests.WithLabelValues(operation, status).Inc()
}

// RecordAIRequest records a language service request
func (m *Metrics) RecordAIRequest(operation, status string, duration time.Duration) {
	aiRequestDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	aiRequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordCacheHit records a cache hit in the given tier
func (m *Metrics) RecordCacheHit(operation, tier string) {
	cacheHits.WithLabelValues(operation, tier).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(operation string) {
	cacheMisses.WithLabelValues(operation).Inc()
}

// RecordCacheEviction records an entry evicted by the size bound
func (m *Metrics) RecordCacheEviction() {
	cacheEvictions.Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded(operation string) {
	rateLimitExceeded.WithLabelValues(operation).Inc()
}

// RecordSyncSnapshot records a snapshot applied for a stream kind
func (m *Metrics) RecordSyncSnapshot(stream string) {
	syncSnapshots.WithLabelValues(stream).Inc()
}

// RecordSyncWrite records the outcome of a remote commit
func (m *Metrics) RecordSyncWrite(operation, status string) {
	syncWrites.WithLabelValues(operation, status).Inc()
}

// RecordMalformedDocument records a skipped remote document
func (m *Metrics) RecordMalformedDocument(kind string) {
	malformedDocuments.WithLabelValues(kind).Inc()
}

// RecordLegacyDocument records a document read through a legacy schema
func (m *Metrics) RecordLegacyDocument(schema string) {
	legacyDocuments.WithLabelValues(schema).Inc()
}

// AddActiveSubscriptions moves the live subscription gauge
func (m *Metrics) AddActiveSubscriptions(delta float64) {
	activeSubscriptions.Add(delta)
}

// StartMetricsServer starts the metrics HTTP server
func StartMetricsServer(port int, path string) error {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
