package query

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/fusion"
	"github.com/podcast-rag/backend/internal/metrics"
	"github.com/podcast-rag/backend/internal/retrieval"
	"github.com/podcast-rag/backend/internal/storage/models"
	"github.com/podcast-rag/backend/pkg/logger"
)

// GreetingMessage is used when a direct answer cannot be generated.
const GreetingMessage = "Hi! Ask me anything about the podcast: a guest, an episode or an idea that came up on the show."

type Retriever interface {
	Run(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
}

type Fuser interface {
	Fuse(items []retrieval.Item) fusion.Outcome
}

type HistoryRecorder interface {
	RecordQuery(ctx context.Context, rec *models.QueryRecord, sources []models.QuerySource) error
}

type Deps struct {
	Contexts     ContextStore
	Resolver     *Resolver
	Classifier   *Classifier
	Decomposer   *Decomposer
	Retriever    Retriever
	Fuser        Fuser
	Synthesizer  Synthesizer
	History      HistoryRecorder
	HistoryTurns int
}

type Engine struct {
	contexts     ContextStore
	resolver     *Resolver
	classifier   *Classifier
	decomposer   *Decomposer
	retriever    Retriever
	fuser        Fuser
	synth        Synthesizer
	history      HistoryRecorder
	historyTurns int
	log          *zap.Logger
}

func NewEngine(d Deps) *Engine {
	if d.Resolver == nil {
		d.Resolver = NewResolver(nil, nil, 0, 0)
	}
	if d.Classifier == nil {
		d.Classifier = NewClassifier(nil, 0)
	}
	if d.Decomposer == nil {
		d.Decomposer = NewDecomposer(nil, 0, 0)
	}
	if d.HistoryTurns <= 0 {
		d.HistoryTurns = 5
	}
	return &Engine{
		contexts:     d.Contexts,
		resolver:     d.Resolver,
		classifier:   d.Classifier,
		decomposer:   d.Decomposer,
		retriever:    d.Retriever,
		fuser:        d.Fuser,
		synth:        d.Synthesizer,
		history:      d.History,
		historyTurns: d.HistoryTurns,
		log:          logger.Named("engine"),
	}
}

// BuildPlan runs resolution, classification, decomposition and strategy
// selection. It never calls a retrieval store.
func (e *Engine) BuildPlan(ctx context.Context, text string, conv ConversationContext) (*Plan, Classification) {
	res := e.resolver.Resolve(ctx, text, conv)
	cls := e.classifier.Classify(ctx, text, res)

	plan := &Plan{
		IsRelevant:      cls.IsRelevant,
		RejectionReason: cls.RejectionReason,
		Intent:          cls.Intent,
		Complexity:      cls.Complexity,
		IsFollowUp:      res.IsFollowUp,
		Entities:        res.Entities,
		SubQueries:      []string{},
	}
	if plan.Entities == nil {
		plan.Entities = []string{}
	}

	if !plan.IsRelevant {
		return plan, cls
	}
	if cls.DirectAnswer {
		plan.DirectAnswer = true
		return plan, cls
	}

	dec := e.decomposer.Decompose(ctx, text, plan.Complexity, plan.Entities)
	plan.NeedsDecomposition = dec.NeedsDecomposition
	if dec.NeedsDecomposition {
		plan.SubQueries = dec.SubQueries
	}

	st, direct := SelectStrategy(plan.Intent, plan.Complexity, plan.NeedsDecomposition, plan.Entities)
	plan.Strategy = st
	plan.DirectAnswer = direct
	return plan, cls
}

func (e *Engine) ProcessQuery(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	queryID := uuid.New().String()
	log := e.log.With(zap.String("query_id", queryID), zap.String("session_id", req.SessionID))

	log.Info("Processing query", zap.String("query", req.Query))

	conv := ConversationContext{SessionID: req.SessionID}
	if e.contexts != nil && req.SessionID != "" {
		c, err := e.contexts.GetContext(ctx, req.SessionID, e.historyTurns)
		if err != nil {
			log.Warn("Conversation context unavailable", zap.Error(err))
		} else {
			conv = c
		}
	}

	plan, cls := e.BuildPlan(ctx, req.Query, conv)
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	guard := NewGuard()
	if _, err := guard.Plan(plan); err != nil {
		return nil, err
	}

	outcome := fusion.Outcome{RAGResults: []fusion.RankedResult{}, KGResults: []fusion.RankedResult{}}
	var retrieved *retrieval.Result

	if guard.State() == StateAwaitRetrieval {
		if e.retriever == nil || e.fuser == nil {
			return nil, newError(CodeStoreFailure, "retrieval", "no retriever configured", nil)
		}
		var err error
		retrieved, err = e.retriever.Run(ctx, retrieval.Request{
			Query:      req.Query,
			SubQueries: plan.SubQueries,
			Entities:   plan.Entities,
			Strategy:   plan.Strategy,
			Detailed:   plan.Complexity != ComplexitySimple,
		})
		if err != nil {
			return nil, fmt.Errorf("retrieval failed: %w", err)
		}
		outcome = e.fuser.Fuse(retrieved.Items)
		if _, err := guard.Outcome(outcome); err != nil {
			return nil, err
		}
	}

	answer, err := e.synthesize(ctx, req.Query, plan, guard, outcome)
	if err != nil {
		return nil, err
	}
	answer = guard.Release(answer)

	latency := time.Since(start)
	resp := &Response{
		ID:              queryID,
		Query:           req.Query,
		Answer:          answer,
		Decision:        guard.Decision(),
		RejectionReason: guard.Reason(),
		Plan:            *plan,
		Outcome:         outcome,
		LatencyMS:       int(latency.Milliseconds()),
	}

	metrics.QueryDuration.WithLabelValues(string(resp.Decision)).Observe(latency.Seconds())
	metrics.QueryTotal.WithLabelValues(string(resp.Decision), resp.RejectionReason).Inc()

	e.record(ctx, req, resp, cls, retrieved)

	log.Info("Query processed",
		zap.String("decision", string(resp.Decision)),
		zap.String("reason", resp.RejectionReason),
		zap.String("intent", plan.Intent.String()),
		zap.String("complexity", plan.Complexity.String()),
		zap.String("classifier_path", cls.Path),
		zap.Int("rag_count", outcome.RAGCount),
		zap.Int("kg_count", outcome.KGCount),
		zap.Int("latency_ms", resp.LatencyMS),
	)

	return resp, nil
}

func (e *Engine) synthesize(ctx context.Context, text string, plan *Plan, guard *Guard, outcome fusion.Outcome) (string, error) {
	if guard.State() != StatePassThrough {
		return "", nil
	}

	if plan.DirectAnswer {
		if e.synth == nil {
			return GreetingMessage, nil
		}
		msg, err := e.synth.Greet(ctx, text)
		if err != nil || msg == "" {
			e.log.Warn("Greeting generation failed, using canned reply", zap.Error(err))
			return GreetingMessage, nil
		}
		return msg, nil
	}

	if e.synth == nil {
		return "", newError(CodeSynthesisFailure, "synthesis", "no synthesizer configured", nil)
	}
	answer, err := e.synth.Answer(ctx, text, outcome.All())
	if err != nil {
		return "", newError(CodeSynthesisFailure, "synthesis", "answer generation failed", err)
	}
	return answer, nil
}

func (e *Engine) record(ctx context.Context, req Request, resp *Response, cls Classification, retrieved *retrieval.Result) {
	if e.history == nil {
		return
	}

	rec := &models.QueryRecord{
		ID:              resp.ID,
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		QueryText:       req.Query,
		Response:        resp.Answer,
		Decision:        string(resp.Decision),
		RejectionReason: resp.RejectionReason,
		Intent:          resp.Plan.Intent.String(),
		Complexity:      resp.Plan.Complexity.String(),
		ClassifierPath:  cls.Path,
		SubQueryCount:   len(resp.Plan.SubQueries),
		RAGResultsCount: resp.Outcome.RAGCount,
		KGResultsCount:  resp.Outcome.KGCount,
		LatencyMS:       resp.LatencyMS,
		CreatedAt:       time.Now(),
	}
	if retrieved != nil {
		rec.StoreCalls = retrieved.Calls
		rec.FailedCalls = retrieved.Failed
		rec.Rounds = retrieved.Rounds
	}

	var sources []models.QuerySource
	for _, r := range resp.Outcome.All() {
		episode, timestamp := "", ""
		if len(r.Provenance) > 0 {
			episode = r.Provenance[0]["episode_id"]
			timestamp = r.Provenance[0]["timestamp"]
		}
		sources = append(sources, models.QuerySource{
			QueryID:    resp.ID,
			SourceType: string(r.Source),
			EpisodeID:  episode,
			Timestamp:  timestamp,
			Content:    truncate(r.Content, 500),
			FusedScore: r.FusedScore,
			Rank:       r.Rank,
		})
	}

	if err := e.history.RecordQuery(ctx, rec, sources); err != nil {
		e.log.Warn("Failed to record query history", zap.String("query_id", resp.ID), zap.Error(err))
	}
}
