package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/api/handlers"
	"github.com/podcast-rag/backend/internal/cache"
	"github.com/podcast-rag/backend/internal/cache/redis"
	"github.com/podcast-rag/backend/internal/evaluation"
	"github.com/podcast-rag/backend/internal/fusion"
	"github.com/podcast-rag/backend/internal/ingestion"
	"github.com/podcast-rag/backend/internal/kg/builder"
	"github.com/podcast-rag/backend/internal/kg/neo4j"
	"github.com/podcast-rag/backend/internal/llm"
	"github.com/podcast-rag/backend/internal/metrics"
	"github.com/podcast-rag/backend/internal/middleware/ratelimit"
	"github.com/podcast-rag/backend/internal/middleware/security"
	"github.com/podcast-rag/backend/internal/middleware/validation"
	"github.com/podcast-rag/backend/internal/query"
	"github.com/podcast-rag/backend/internal/retrieval"
	"github.com/podcast-rag/backend/internal/storage/sqlite"
	"github.com/podcast-rag/backend/internal/vector/milvus"
	"github.com/podcast-rag/backend/pkg/config"
	appLogger "github.com/podcast-rag/backend/pkg/logger"
)

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("PODCAST_RAG_CONFIG_FILE"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Podcast RAG API Server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	neo4jClient, err := neo4j.NewClient(neo4j.Config{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.Username,
		Password: cfg.Neo4j.Password,
		Database: cfg.Neo4j.Database,
		MaxHops:  cfg.Neo4j.MaxHops,
	})
	if err != nil {
		appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
	}
	defer neo4jClient.Close(context.Background())

	if err := neo4jClient.EnsureSchema(context.Background()); err != nil {
		appLogger.Warn("Failed to ensure graph schema", zap.Error(err))
	}

	milvusClient, err := milvus.NewClient(context.Background(), milvus.Config{
		Endpoint:       cfg.Milvus.Endpoint,
		APIKey:         cfg.Milvus.APIKey,
		CollectionName: cfg.Milvus.CollectionName,
		VectorDim:      cfg.Milvus.VectorDim,
		IndexType:      cfg.Milvus.IndexType,
		Nprobe:         cfg.Milvus.Nprobe,
	})
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.CreateCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to create collection", zap.Error(err))
	}

	redisClient, err := redis.NewClient(cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	sessions := redis.NewSessionStore(redisClient, cfg.Session.HistoryTurns*2, time.Duration(cfg.Session.TTLMinutes)*time.Minute)

	llmClient := llm.NewClient(llm.Config{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Model:             cfg.LLM.Model,
		EmbeddingModel:    cfg.LLM.EmbeddingModel,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		Timeout:           time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		ContextTokenLimit: cfg.LLM.ContextTokenLimit,
	})

	embedder, err := cache.NewEmbedder(llmClient, redisClient, cfg.LLM.EmbeddingModel,
		cfg.Session.EmbeddingLRU, time.Duration(cfg.Session.EmbeddingTTLH)*time.Hour)
	if err != nil {
		appLogger.Fatal("Failed to create embedding cache", zap.Error(err))
	}

	llmTimeout := time.Duration(cfg.Pipeline.LLMTimeoutMs) * time.Millisecond
	expander := query.NewExpander(llmClient, cfg.Pipeline.LLMExpansion, cfg.Pipeline.MaxVariants, llmTimeout)

	orchestrator := retrieval.NewOrchestrator(
		milvus.NewStore(milvusClient, embedder),
		neo4jClient,
		expander,
		retrieval.Config{
			TopK:               cfg.Pipeline.TopK,
			KGLimit:            cfg.Pipeline.KGLimit,
			MaxConcurrency:     cfg.Pipeline.MaxConcurrency,
			StoreTimeout:       time.Duration(cfg.Pipeline.StoreTimeoutMs) * time.Millisecond,
			IterativeThreshold: cfg.Pipeline.IterativeThreshold,
		},
	)

	fuser, err := fusion.NewFuser(fusion.Config{
		Strategy:    cfg.Fusion.Strategy,
		RRFK:        cfg.Fusion.RRFK,
		MMRLambda:   cfg.Fusion.MMRLambda,
		HybridTopN:  cfg.Fusion.HybridTopN,
		DedupPrefix: cfg.Fusion.DedupPrefix,
		MaxResults:  cfg.Fusion.MaxResults,
	})
	if err != nil {
		appLogger.Fatal("Failed to create fuser", zap.Error(err))
	}

	queryEngine := query.NewEngine(query.Deps{
		Contexts:     sessions,
		Resolver:     query.NewResolver(llmClient, query.ProseExtractor{}, cfg.Pipeline.ResolverTurns, llmTimeout),
		Classifier:   query.NewClassifier(llmClient, llmTimeout),
		Decomposer:   query.NewDecomposer(llmClient, cfg.Pipeline.MaxSubQueries, llmTimeout),
		Retriever:    orchestrator,
		Fuser:        fuser,
		Synthesizer:  llmClient,
		History:      sqliteClient,
		HistoryTurns: cfg.Session.HistoryTurns,
	})

	kgBuilder := builder.NewBuilder(sqliteClient, neo4jClient, llmClient)
	processor := ingestion.NewProcessor(sqliteClient, milvusClient, llmClient, kgBuilder)
	evaluator := evaluation.NewEvaluator(queryEngine, llmClient, sqliteClient)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	allowedOrigins := strings.Split(os.Getenv("PODCAST_RAG_ALLOWED_ORIGINS"), ",")
	limiter := ratelimit.New(ratelimit.Config{
		Rate:   cfg.RateLimit.Rate,
		Burst:  cfg.RateLimit.Burst,
		Logger: appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Session-ID, X-User-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: allowedOrigins,
		IsDevelopment:  cfg.Logging.Format == "console",
	}))

	queryHandler := handlers.NewQueryHandler(queryEngine, sessions, sqliteClient)
	episodeHandler := handlers.NewEpisodeHandler(processor, sqliteClient)
	feedbackHandler := handlers.NewFeedbackHandler(sqliteClient)
	evaluationHandler := handlers.NewEvaluationHandler(evaluator, sqliteClient)
	wsHandler := handlers.NewWebSocketHandler(queryEngine, sessions, time.Duration(cfg.Server.WriteTimeout)*time.Second)
	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"sqlite": sqliteClient,
		"neo4j":  neo4jClient,
		"milvus": milvusClient,
		"redis":  redisClient,
	})

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	api.Use(validation.Middleware(validation.Config{
		MaxTranscriptSize: cfg.Server.BodyLimit,
		Logger:            appLogger.Named("validation"),
	}))

	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	limit := limiter.Middleware()
	api.Post("/query", limit, queryHandler.HandleQuery)
	api.Get("/query/history", limit, queryHandler.GetQueryHistory)
	api.Get("/query/:id/sources", limit, queryHandler.GetQuerySources)
	api.Post("/feedback", limit, feedbackHandler.SubmitFeedback)

	api.Post("/episodes", episodeHandler.IngestEpisode)
	api.Get("/episodes", episodeHandler.ListEpisodes)
	api.Get("/episodes/:id", episodeHandler.GetEpisode)
	api.Post("/evaluate", evaluationHandler.RunEvaluation)
	api.Get("/stats", evaluationHandler.GetStats)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws", limit, websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
