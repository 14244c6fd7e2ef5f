package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/podcast-rag/backend/internal/metrics"
	"github.com/podcast-rag/backend/pkg/logger"
	"github.com/podcast-rag/backend/pkg/utils"
)

var ErrNoStores = errors.New("strategy requires a store that is not configured")

type Config struct {
	TopK               int
	KGLimit            int
	MaxConcurrency     int
	StoreTimeout       time.Duration
	IterativeThreshold int
}

func DefaultConfig() Config {
	return Config{
		TopK:               8,
		KGLimit:            10,
		MaxConcurrency:     6,
		StoreTimeout:       4 * time.Second,
		IterativeThreshold: 3,
	}
}

// Orchestrator fans a request out over the configured stores and collects
// every item in call-plan order.
type Orchestrator struct {
	rag      RAGStore
	kg       KGStore
	expander Expander
	cfg      Config
	log      *zap.Logger
}

func NewOrchestrator(rag RAGStore, kg KGStore, expander Expander, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.KGLimit <= 0 {
		cfg.KGLimit = def.KGLimit
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	return &Orchestrator{
		rag:      rag,
		kg:       kg,
		expander: expander,
		cfg:      cfg,
		log:      logger.Named("orchestrator"),
	}
}

type call struct {
	source Source
	query  string
	listID string
}

func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	st := req.Strategy
	if st.None() {
		return &Result{}, nil
	}
	if (st.UseRAG && o.rag == nil) || (st.UseKG && o.kg == nil) {
		return nil, ErrNoStores
	}

	queries := o.querySet(ctx, req)
	res := &Result{Queries: queries}

	calls := o.plan(1, queries, st)
	items, failed, err := o.round(ctx, 1, calls, req, 0)
	if err != nil {
		return nil, err
	}
	res.Items = items
	res.Calls = len(calls)
	res.Failed += failed
	res.Rounds = 1
	metrics.RetrievalRounds.WithLabelValues("initial").Inc()

	if st.Iterative && len(res.Items) < o.cfg.IterativeThreshold {
		broadened := broaden(queries)
		if len(broadened) > 0 {
			calls2 := o.plan(2, broadened, st)
			more, failed, err := o.round(ctx, 2, calls2, req, len(res.Items))
			if err != nil {
				return nil, err
			}
			res.Items = append(res.Items, more...)
			res.Queries = append(res.Queries, broadened...)
			res.Calls += len(calls2)
			res.Failed += failed
			res.Rounds = 2
			metrics.RetrievalRounds.WithLabelValues("broadened").Inc()

			o.log.Debug("Broadened retrieval round",
				zap.Strings("queries", broadened),
				zap.Int("new_items", len(more)),
			)
		}
	}

	return res, nil
}

// querySet is the original query, then sub-queries, then expansions, deduplicated.
func (o *Orchestrator) querySet(ctx context.Context, req Request) []string {
	set := []string{req.Query}
	set = append(set, req.SubQueries...)
	if req.Strategy.RAGExpansion && req.Strategy.UseRAG && o.expander != nil {
		set = append(set, o.expander.Expand(ctx, req.Query, req.Detailed)...)
	}
	return utils.DedupeStrings(set)
}

func (o *Orchestrator) plan(round int, queries []string, st Strategy) []call {
	calls := make([]call, 0, 2*len(queries))
	for i, q := range queries {
		if st.UseRAG {
			calls = append(calls, call{source: SourceRAG, query: q, listID: fmt.Sprintf("r%d/rag/%d", round, i)})
		}
		if st.UseKG {
			calls = append(calls, call{source: SourceKG, query: q, listID: fmt.Sprintf("r%d/kg/%d", round, i)})
		}
	}
	return calls
}

// round runs all calls concurrently and returns once every call has finished.
// Items are ordered by call position, never by completion.
func (o *Orchestrator) round(ctx context.Context, n int, calls []call, req Request, seqBase int) ([]Item, int, error) {
	results := make([][]Hit, len(calls))
	failures := make([]bool, len(calls))

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrency)

	for i, c := range calls {
		g.Go(func() error {
			hits, err := o.execute(ctx, c, req)
			if err != nil {
				failures[i] = true
				o.log.Warn("Store call failed",
					zap.String("store", string(c.source)),
					zap.String("query", c.query),
					zap.Int("round", n),
					zap.Error(err),
				)
				return nil
			}
			results[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, 0, fmt.Errorf("retrieval round %d aborted: %w", n, err)
	}

	failed := 0
	var items []Item
	seq := seqBase
	for i, c := range calls {
		if failures[i] {
			failed++
			continue
		}
		rank := 0
		for _, h := range results[i] {
			content := strings.TrimSpace(h.Content)
			if content == "" {
				continue
			}
			rank++
			items = append(items, Item{
				Source:      c.source,
				Content:     content,
				OriginQuery: c.query,
				RawScore:    h.Score,
				Provenance:  []Provenance{h.Provenance},
				ListID:      c.listID,
				Rank:        rank,
				Seq:         seq,
			})
			seq++
		}
	}
	return items, failed, nil
}

func (o *Orchestrator) execute(ctx context.Context, c call, req Request) ([]Hit, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	var (
		hits []Hit
		err  error
	)
	switch c.source {
	case SourceRAG:
		hits, err = o.rag.Search(callCtx, c.query, o.cfg.TopK)
	case SourceKG:
		hits, err = o.kg.Query(callCtx, KGRequest{
			Mode:     req.Strategy.KGMode,
			Text:     c.query,
			Entities: req.Entities,
			Limit:    o.cfg.KGLimit,
		})
	}
	metrics.StoreLatency.WithLabelValues(string(c.source)).Observe(time.Since(start).Seconds())

	status := "ok"
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	case len(hits) == 0:
		status = "empty"
	}
	metrics.StoreCalls.WithLabelValues(string(c.source), status).Inc()

	return hits, err
}

// broaden strips stopwords and question words from each query and returns the
// variants that differ from every query already run.
func broaden(queries []string) []string {
	ran := make(map[string]struct{}, len(queries))
	for _, q := range queries {
		ran[utils.NormalizeText(q)] = struct{}{}
	}

	var out []string
	for _, q := range queries {
		words := utils.ContentWords(q)
		if len(words) == 0 {
			continue
		}
		b := strings.Join(words, " ")
		if _, ok := ran[b]; ok {
			continue
		}
		ran[b] = struct{}{}
		out = append(out, b)
	}
	return out
}
