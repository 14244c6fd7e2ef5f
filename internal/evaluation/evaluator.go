package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/llm"
	"github.com/podcast-rag/backend/internal/query"
	"github.com/podcast-rag/backend/internal/storage/models"
	"github.com/podcast-rag/backend/pkg/logger"
)

type Pipeline interface {
	ProcessQuery(ctx context.Context, req query.Request) (*query.Response, error)
}

// Judge grades answers against a reference. Optional.
type Judge interface {
	EvaluateResponse(ctx context.Context, query, response, reference string) (*llm.EvaluationScore, error)
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type RunStore interface {
	InsertEvaluationRun(ctx context.Context, run *models.EvaluationRun) error
}

// Item is one labelled question. ExpectedIntent and Reference are optional.
type Item struct {
	Query            string         `json:"query"`
	ExpectedDecision query.Decision `json:"expected_decision"`
	ExpectedIntent   string         `json:"expected_intent,omitempty"`
	Reference        string         `json:"reference,omitempty"`
}

type Dataset struct {
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

type ItemResult struct {
	Query            string               `json:"query"`
	Decision         query.Decision       `json:"decision"`
	ExpectedDecision query.Decision       `json:"expected_decision"`
	Intent           string               `json:"intent"`
	ExpectedIntent   string               `json:"expected_intent,omitempty"`
	DecisionCorrect  bool                 `json:"decision_correct"`
	IntentCorrect    bool                 `json:"intent_correct"`
	LatencyMS        int                  `json:"latency_ms"`
	Score            *llm.EvaluationScore `json:"score,omitempty"`
	CosineSimilarity float64              `json:"cosine_similarity,omitempty"`
	Error            string               `json:"error,omitempty"`
}

type Report struct {
	ID                  string       `json:"id"`
	Dataset             string       `json:"dataset"`
	Total               int          `json:"total"`
	Errors              int          `json:"errors"`
	DecisionCorrect     int          `json:"decision_correct"`
	IntentCorrect       int          `json:"intent_correct"`
	IntentLabelled      int          `json:"intent_labelled"`
	DecisionAccuracy    float64      `json:"decision_accuracy"`
	IntentAccuracy      float64      `json:"intent_accuracy"`
	RejectionRecall     float64      `json:"rejection_recall"`
	AnswerRate          float64      `json:"answer_rate"`
	AverageLatencyMS    float64      `json:"avg_latency_ms"`
	AvgRelevanceScore   float64      `json:"avg_relevance_score,omitempty"`
	AvgCosineSimilarity float64      `json:"avg_cosine_similarity,omitempty"`
	Items               []ItemResult `json:"items"`
}

type Evaluator struct {
	pipeline Pipeline
	judge    Judge
	runs     RunStore
	log      *zap.Logger
}

func NewEvaluator(pipeline Pipeline, judge Judge, runs RunStore) *Evaluator {
	return &Evaluator{
		pipeline: pipeline,
		judge:    judge,
		runs:     runs,
		log:      logger.Named("evaluation"),
	}
}

func LoadDataset(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	for i, it := range ds.Items {
		if strings.TrimSpace(it.Query) == "" {
			return nil, fmt.Errorf("item %d: query is required", i)
		}
		switch it.ExpectedDecision {
		case query.DecisionRejected, query.DecisionPassThrough:
		default:
			return nil, fmt.Errorf("item %d: unknown expected_decision %q", i, it.ExpectedDecision)
		}
	}
	return &ds, nil
}

// Run sends every item through the pipeline without session context and
// scores the guard decisions and intents against the labels.
func (e *Evaluator) Run(ctx context.Context, ds *Dataset) (*Report, error) {
	e.log.Info("Running dataset evaluation", zap.String("dataset", ds.Name), zap.Int("items", len(ds.Items)))

	report := &Report{
		ID:      uuid.New().String(),
		Dataset: ds.Name,
		Total:   len(ds.Items),
		Items:   make([]ItemResult, 0, len(ds.Items)),
	}

	var (
		expectRejected, caughtRejected int
		answered, latencyTotal         int
		judged                         int
		relevanceTotal, cosineTotal    float64
	)

	for i, it := range ds.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := ItemResult{
			Query:            it.Query,
			ExpectedDecision: it.ExpectedDecision,
			ExpectedIntent:   it.ExpectedIntent,
		}
		if it.ExpectedDecision == query.DecisionRejected {
			expectRejected++
		}

		resp, err := e.pipeline.ProcessQuery(ctx, query.Request{Query: it.Query, UserID: "evaluation"})
		if err != nil {
			e.log.Warn("Evaluation item failed", zap.Int("index", i), zap.Error(err))
			res.Error = err.Error()
			report.Errors++
			report.Items = append(report.Items, res)
			continue
		}

		res.Decision = resp.Decision
		res.Intent = resp.Plan.Intent.String()
		res.LatencyMS = resp.LatencyMS
		res.DecisionCorrect = resp.Decision == it.ExpectedDecision
		latencyTotal += resp.LatencyMS

		if res.DecisionCorrect {
			report.DecisionCorrect++
			if it.ExpectedDecision == query.DecisionRejected {
				caughtRejected++
			}
		}
		if it.ExpectedIntent != "" {
			report.IntentLabelled++
			res.IntentCorrect = strings.EqualFold(res.Intent, it.ExpectedIntent)
			if res.IntentCorrect {
				report.IntentCorrect++
			}
		}
		if resp.Decision == query.DecisionPassThrough {
			answered++
			if e.judge != nil && it.Reference != "" {
				e.grade(ctx, it, resp.Answer, &res)
				if res.Score != nil {
					judged++
					relevanceTotal += res.Score.Relevance
					cosineTotal += res.CosineSimilarity
				}
			}
		}

		report.Items = append(report.Items, res)
	}

	completed := report.Total - report.Errors
	report.DecisionAccuracy = ratio(report.DecisionCorrect, report.Total)
	report.IntentAccuracy = ratio(report.IntentCorrect, report.IntentLabelled)
	report.RejectionRecall = ratio(caughtRejected, expectRejected)
	report.AnswerRate = ratio(answered, report.Total)
	report.AverageLatencyMS = ratio(latencyTotal, completed)
	if judged > 0 {
		report.AvgRelevanceScore = relevanceTotal / float64(judged)
		report.AvgCosineSimilarity = cosineTotal / float64(judged)
	}

	if e.runs != nil {
		if err := e.runs.InsertEvaluationRun(ctx, &models.EvaluationRun{
			ID:               report.ID,
			Dataset:          report.Dataset,
			Total:            report.Total,
			DecisionCorrect:  report.DecisionCorrect,
			IntentCorrect:    report.IntentCorrect,
			RejectionRecall:  report.RejectionRecall,
			AnswerRate:       report.AnswerRate,
			AverageLatencyMS: report.AverageLatencyMS,
			CreatedAt:        time.Now(),
		}); err != nil {
			e.log.Warn("Failed to store evaluation run", zap.Error(err))
		}
	}

	e.log.Info("Dataset evaluation completed",
		zap.String("run_id", report.ID),
		zap.Int("total", report.Total),
		zap.Float64("decision_accuracy", report.DecisionAccuracy),
		zap.Float64("rejection_recall", report.RejectionRecall),
		zap.Float64("answer_rate", report.AnswerRate),
	)

	return report, nil
}

func (e *Evaluator) grade(ctx context.Context, it Item, answer string, res *ItemResult) {
	score, err := e.judge.EvaluateResponse(ctx, it.Query, answer, it.Reference)
	if err != nil {
		e.log.Warn("Failed to grade answer", zap.Error(err))
		return
	}
	res.Score = score

	a, err := e.judge.GenerateEmbedding(ctx, answer)
	if err != nil {
		e.log.Warn("Failed to embed answer", zap.Error(err))
		return
	}
	b, err := e.judge.GenerateEmbedding(ctx, it.Reference)
	if err != nil {
		e.log.Warn("Failed to embed reference", zap.Error(err))
		return
	}
	res.CosineSimilarity = cosineSimilarity(a, b)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func FormatReport(r *Report) string {
	return fmt.Sprintf(`
Evaluation Report
=================

Dataset: %s
Total Queries: %d (errors: %d)

Guard decisions: %d correct (%.1f%%)
Rejection recall: %.1f%%
Answer rate: %.1f%%
Intent accuracy: %d / %d (%.1f%%)

Average latency: %.0f ms
Judge relevance: %.2f / 3.0
Cosine similarity: %.3f
`,
		r.Dataset,
		r.Total, r.Errors,
		r.DecisionCorrect, r.DecisionAccuracy*100,
		r.RejectionRecall*100,
		r.AnswerRate*100,
		r.IntentCorrect, r.IntentLabelled, r.IntentAccuracy*100,
		r.AverageLatencyMS,
		r.AvgRelevanceScore,
		r.AvgCosineSimilarity,
	)
}
