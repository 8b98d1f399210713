// Package metrics provides Prometheus metrics for the pathmap server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathmap_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pathmap_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Content streaming metrics
	contentBytesStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pathmap_content_bytes_streamed_total",
			Help: "Total bytes streamed from the content reader",
		},
	)

	contentStreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathmap_content_streams_total",
			Help: "Total number of content streams",
		},
		[]string{"status"},
	)

	// Metadata cache metrics
	metadataCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pathmap_metadata_cache_hits_total",
			Help: "Total metadata cache hits",
		},
	)

	metadataCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pathmap_metadata_cache_misses_total",
			Help: "Total metadata cache misses",
		},
	)

	metadataLookupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pathmap_metadata_lookup_duration_seconds",
			Help:    "External metadata query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Subprocess metrics
	subprocessSpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pathmap_subprocess_spawns_total",
			Help: "Total external tool subprocesses spawned",
		},
		[]string{"kind", "status"},
	)

	// Mount session metrics
	mountSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pathmap_mount_sessions_active",
			Help: "Number of active mount sessions",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordContentStream records a completed (or failed) content stream.
func RecordContentStream(bytes int64, success bool) {
	contentBytesStreamed.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	contentStreamsTotal.WithLabelValues(status).Inc()
}

// RecordMetadataCacheHit records a metadata cache hit.
func RecordMetadataCacheHit() {
	metadataCacheHits.Inc()
}

// RecordMetadataCacheMiss records a metadata cache miss.
func RecordMetadataCacheMiss() {
	metadataCacheMisses.Inc()
}

// RecordMetadataLookup records an external metadata query duration.
func RecordMetadataLookup(duration time.Duration) {
	metadataLookupDuration.Observe(duration.Seconds())
}

// RecordSubprocessSpawn records an external tool subprocess spawn.
func RecordSubprocessSpawn(kind string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	subprocessSpawnsTotal.WithLabelValues(kind, status).Inc()
}

// MountSessionStarted increments the active mount session gauge.
func MountSessionStarted() {
	mountSessionsActive.Inc()
}

// MountSessionEnded decrements the active mount session gauge.
func MountSessionEnded() {
	mountSessionsActive.Dec()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
