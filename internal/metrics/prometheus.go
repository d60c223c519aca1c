package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connect3_search_duration_seconds",
			Help:    "End-to-end search run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"route"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect3_search_total",
			Help: "Total number of search runs by route and outcome",
		},
		[]string{"route", "status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connect3_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"stage"},
	)

	RetrievalResults = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connect3_retrieval_results",
			Help:    "Number of results kept per category search",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"category"},
	)

	RetrievalFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect3_retrieval_failures_total",
			Help: "Category searches that failed and were degraded to partial results",
		},
		[]string{"category"},
	)

	FilterLeaks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect3_filter_leaks_total",
			Help: "Results returned by the corpus that violated the requested entity filter",
		},
		[]string{"category"},
	)

	DroppedPassages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect3_dropped_passages_total",
			Help: "Passages discarded before synthesis",
		},
		[]string{"reason"},
	)

	DroppedMarkers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "connect3_dropped_markers_total",
			Help: "Citation markers removed because they referenced entities outside the result set",
		},
	)

	WebFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect3_web_fallbacks_total",
			Help: "General-knowledge answers that fell back to web retrieval",
		},
		[]string{"reason"},
	)

	LimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect3_limit_rejections_total",
			Help: "Searches rejected before planning",
		},
		[]string{"reason"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect3_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect3_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect3_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connect3_active_runs",
			Help: "Search runs currently executing in this process",
		},
	)

	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "connect3_active_streams",
			Help: "Client streams currently attached",
		},
	)

	Reattachments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "connect3_stream_reattachments_total",
			Help: "Attaches that joined an in-flight run instead of starting one",
		},
	)

	DocumentsIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connect3_documents_indexed_total",
			Help: "Passages written to corpora",
		},
		[]string{"kind"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			QueryTotal,
			StageDuration,
			RetrievalResults,
			RetrievalFailures,
			FilterLeaks,
			DroppedPassages,
			DroppedMarkers,
			WebFallbacks,
			LimitRejections,
			LLMTokensUsed,
			CacheHits,
			CacheMisses,
			ActiveRuns,
			ActiveStreams,
			Reattachments,
			DocumentsIndexed,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
