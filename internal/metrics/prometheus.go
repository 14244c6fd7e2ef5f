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
			Name:    "podcast_rag_query_duration_seconds",
			Help:    "End-to-end query processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"decision"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_rag_query_total",
			Help: "Queries processed by final guard decision and reason",
		},
		[]string{"decision", "reason"},
	)

	ClassifierPath = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_rag_classifier_path_total",
			Help: "Classifications by path (fast, llm, fallback) and intent",
		},
		[]string{"path", "intent"},
	)

	StageFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_rag_stage_fallback_total",
			Help: "LLM-backed stages that fell back to deterministic behaviour",
		},
		[]string{"stage"},
	)

	StoreCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_rag_store_calls_total",
			Help: "Retrieval store calls by store and status",
		},
		[]string{"store", "status"},
	)

	StoreLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podcast_rag_store_latency_seconds",
			Help:    "Retrieval store call latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"store"},
	)

	RetrievalRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_rag_retrieval_rounds_total",
			Help: "Retrieval rounds executed (initial, broadened)",
		},
		[]string{"round"},
	)

	ResultsCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podcast_rag_results_count",
			Help:    "Fused results per query by source",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"source"},
	)

	FusionStrategy = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_rag_fusion_total",
			Help: "Fusion runs by strategy",
		},
		[]string{"strategy"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_rag_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podcast_rag_circuit_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	UserSatisfaction = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_rag_feedback_total",
			Help: "User feedback by helpfulness",
		},
		[]string{"helpful"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_rag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podcast_rag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	EpisodesIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "podcast_rag_episodes_ingested_total",
			Help: "Total transcript episodes ingested",
		},
	)

	KGEntitiesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "podcast_rag_kg_entities_total",
			Help: "Entities written to the knowledge graph",
		},
	)

	KGRelationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "podcast_rag_kg_relations_total",
			Help: "Relations written to the knowledge graph",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			QueryTotal,
			ClassifierPath,
			StageFallbacks,
			StoreCalls,
			StoreLatency,
			RetrievalRounds,
			ResultsCount,
			FusionStrategy,
			LLMTokensUsed,
			CircuitState,
			UserSatisfaction,
			CacheHits,
			CacheMisses,
			EpisodesIngested,
			KGEntitiesTotal,
			KGRelationsTotal,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
