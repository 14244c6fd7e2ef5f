package fusion

import (
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/metrics"
	"github.com/podcast-rag/backend/internal/retrieval"
	"github.com/podcast-rag/backend/pkg/logger"
)

// Outcome is the fused retrieval result split back by source.
type Outcome struct {
	RAGResults []RankedResult `json:"rag_results"`
	KGResults  []RankedResult `json:"kg_results"`
	RAGCount   int            `json:"rag_count"`
	KGCount    int            `json:"kg_count"`
}

func (o Outcome) Empty() bool {
	return o.RAGCount == 0 && o.KGCount == 0
}

// All returns every result in fused rank order.
func (o Outcome) All() []RankedResult {
	all := make([]RankedResult, 0, o.RAGCount+o.KGCount)
	i, j := 0, 0
	for i < len(o.RAGResults) || j < len(o.KGResults) {
		switch {
		case j >= len(o.KGResults):
			all = append(all, o.RAGResults[i])
			i++
		case i >= len(o.RAGResults):
			all = append(all, o.KGResults[j])
			j++
		case o.RAGResults[i].Rank <= o.KGResults[j].Rank:
			all = append(all, o.RAGResults[i])
			i++
		default:
			all = append(all, o.KGResults[j])
			j++
		}
	}
	return all
}

type Config struct {
	Strategy    string
	RRFK        float64
	MMRLambda   float64
	HybridTopN  int
	DedupPrefix int
	// MaxResults caps each source list; zero keeps everything.
	MaxResults int
}

type Fuser struct {
	strategy   Strategy
	prefix     int
	maxResults int
}

func NewFuser(cfg Config) (*Fuser, error) {
	strategy, err := NewStrategy(cfg.Strategy, Params{K: cfg.RRFK, Lambda: cfg.MMRLambda, TopN: cfg.HybridTopN})
	if err != nil {
		return nil, err
	}
	prefix := cfg.DedupPrefix
	if prefix <= 0 {
		prefix = DefaultDedupPrefix
	}
	return &Fuser{strategy: strategy, prefix: prefix, maxResults: cfg.MaxResults}, nil
}

func (f *Fuser) StrategyName() string {
	return f.strategy.Name()
}

// Fuse deduplicates, scores and splits items. The result depends only on the
// set of items, not on the order they arrive in.
func (f *Fuser) Fuse(items []retrieval.Item) Outcome {
	groups := Dedupe(items, f.prefix)
	ranked := f.strategy.Rank(groups)

	out := Outcome{RAGResults: []RankedResult{}, KGResults: []RankedResult{}}
	for _, r := range ranked {
		switch r.Source {
		case retrieval.SourceRAG:
			if f.maxResults <= 0 || len(out.RAGResults) < f.maxResults {
				out.RAGResults = append(out.RAGResults, r)
			}
		case retrieval.SourceKG:
			if f.maxResults <= 0 || len(out.KGResults) < f.maxResults {
				out.KGResults = append(out.KGResults, r)
			}
		}
	}
	out.RAGCount = len(out.RAGResults)
	out.KGCount = len(out.KGResults)

	metrics.FusionStrategy.WithLabelValues(f.strategy.Name()).Inc()
	metrics.ResultsCount.WithLabelValues(string(retrieval.SourceRAG)).Observe(float64(out.RAGCount))
	metrics.ResultsCount.WithLabelValues(string(retrieval.SourceKG)).Observe(float64(out.KGCount))

	logger.Debug("Results fused",
		zap.String("strategy", f.strategy.Name()),
		zap.Int("input_items", len(items)),
		zap.Int("groups", len(groups)),
		zap.Int("rag_results", out.RAGCount),
		zap.Int("kg_results", out.KGCount),
	)

	return out
}
