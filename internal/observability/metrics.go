package observability

import (
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecognitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recognition_total",
		Help: "Total number of identification attempts",
	}, []string{"status", "mode"})

	RegistrationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registration_total",
		Help: "Total number of enrollment attempts",
	}, []string{"status"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total number of result-cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total number of result-cache misses",
	})

	BatchJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_jobs_total",
		Help: "Total number of batch jobs by terminal status",
	}, []string{"status"})

	BatchImagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batch_images_total",
		Help: "Total number of images processed by batch jobs",
	}, []string{"status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status_code"})

	RecognitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recognition_duration_seconds",
		Help:    "Duration of identification attempts",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"status", "mode"})

	RegistrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "registration_duration_seconds",
		Help:    "Duration of enrollment attempts",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"status"})

	HNSWSearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hnsw_search_duration_seconds",
		Help:    "Duration of ANN index searches",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	DBQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of descriptor-store queries",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status_code"})

	HNSWIndexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hnsw_index_size",
		Help: "Number of live vectors in the ANN index",
	})

	ActiveUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_users",
		Help: "Number of active enrolled users",
	})

	GPUMemoryUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_memory_used_bytes",
		Help: "GPU memory currently in use by the inference runtime",
	})

	GPUMemoryTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_memory_total_bytes",
		Help: "Total GPU memory visible to the inference runtime",
	})

	GPUActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tensorflow_gpu_active",
		Help: "Whether a GPU execution provider is active (0 or 1)",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections",
		Help: "Number of active WebSocket clients on the event feed",
	})
)

// PrimeGauges initializes gauges that would otherwise be absent from the
// exposition until first touched.
func PrimeGauges() {
	HNSWIndexSize.Set(0)
	ActiveUsers.Set(0)
	GPUMemoryUsed.Set(0)
	GPUMemoryTotal.Set(0)
	GPUActive.Set(0)
}

var (
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	alnumSegment   = regexp.MustCompile(`^[0-9a-zA-Z]{6,20}$`)
)

// NormalizeRoute collapses identifier path segments so HTTP metric labels
// stay low-cardinality: UUIDs become :uuid, numbers :id, and 6-20 character
// alphanumeric tokens :ci.
func NormalizeRoute(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		switch {
		case seg == "":
		case uuidSegment.MatchString(seg):
			segments[i] = ":uuid"
		case numericSegment.MatchString(seg):
			segments[i] = ":id"
		case alnumSegment.MatchString(seg) && containsDigit(seg):
			segments[i] = ":ci"
		}
	}
	return strings.Join(segments, "/")
}

func containsDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
