package fusion

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/podcast-rag/backend/internal/retrieval"
	"github.com/podcast-rag/backend/pkg/utils"
)

const (
	DefaultRRFK       = 60.0
	DefaultMMRLambda  = 0.7
	DefaultHybridTopN = 10
)

// Strategy orders deduplicated groups and assigns each a fused score.
type Strategy interface {
	Rank(groups []Group) []RankedResult
	Name() string
}

// RankedResult is a passage in its final fused position.
type RankedResult struct {
	retrieval.Item
	// Sources is set when the passage came back from more than one store.
	Sources    []retrieval.Source `json:"sources,omitempty"`
	FusedScore float64            `json:"fused_score"`
	Rank       int                `json:"rank"`
}

func resultOf(g Group, score float64) RankedResult {
	r := RankedResult{Item: g.Item, FusedScore: score}
	if src := g.Sources(); len(src) > 1 {
		r.Sources = src
	}
	return r
}

type Params struct {
	K      float64
	Lambda float64
	TopN   int
}

// NewStrategy constructs a strategy by name. Zero params take defaults.
func NewStrategy(name string, p Params) (Strategy, error) {
	if p.K <= 0 {
		p.K = DefaultRRFK
	}
	if p.TopN <= 0 {
		p.TopN = DefaultHybridTopN
	}
	if p.Lambda < 0 || p.Lambda > 1 {
		return nil, fmt.Errorf("mmr lambda %v outside [0,1]", p.Lambda)
	}

	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "rrf":
		return NewRRFStrategy(p.K), nil
	case "mmr":
		return NewMMRStrategy(lambdaOrDefault(p.Lambda)), nil
	case "hybrid":
		return NewHybridStrategy(p.K, lambdaOrDefault(p.Lambda), p.TopN), nil
	default:
		return nil, fmt.Errorf("unsupported fusion strategy: %s", name)
	}
}

func lambdaOrDefault(l float64) float64 {
	if l == 0 {
		return DefaultMMRLambda
	}
	return l
}

// less is the shared tie-break: higher score, then origin query, then seq.
func less(scoreA, scoreB float64, a, b retrieval.Item) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	if a.OriginQuery != b.OriginQuery {
		return a.OriginQuery < b.OriginQuery
	}
	return a.Seq < b.Seq
}

// RRFStrategy implements Reciprocal Rank Fusion: sum of 1/(k+rank) over every list
// a passage appears in.
type RRFStrategy struct {
	K float64
}

func NewRRFStrategy(k float64) *RRFStrategy {
	if k <= 0 {
		k = DefaultRRFK
	}
	return &RRFStrategy{K: k}
}

func (s *RRFStrategy) Name() string { return "rrf" }

func (s *RRFStrategy) Rank(groups []Group) []RankedResult {
	out := make([]RankedResult, len(groups))
	for i, g := range groups {
		out[i] = resultOf(g, rrfScore(g, s.K))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i].FusedScore, out[j].FusedScore, out[i].Item, out[j].Item)
	})
	return numbered(out)
}

func rrfScore(g Group, k float64) float64 {
	score := 0.0
	for _, a := range g.Appearances {
		score += 1.0 / (k + float64(a.Rank))
	}
	return score
}

// MMRStrategy implements Maximal Marginal Relevance over normalised raw scores.
type MMRStrategy struct {
	Lambda float64
}

func NewMMRStrategy(lambda float64) *MMRStrategy {
	return &MMRStrategy{Lambda: lambda}
}

func (s *MMRStrategy) Name() string { return "mmr" }

func (s *MMRStrategy) Rank(groups []Group) []RankedResult {
	rel := normalisedRelevance(groups)
	idx := make([]int, len(groups))
	for i := range idx {
		idx[i] = i
	}
	order, scores := mmrSelect(groups, idx, rel, s.Lambda)

	out := make([]RankedResult, len(order))
	for i, gi := range order {
		out[i] = resultOf(groups[gi], scores[i])
	}
	return numbered(out)
}

// HybridStrategy ranks by RRF, then diversifies the head of the list with MMR
// using the normalised RRF score as relevance.
type HybridStrategy struct {
	K      float64
	Lambda float64
	TopN   int
}

func NewHybridStrategy(k, lambda float64, topN int) *HybridStrategy {
	if k <= 0 {
		k = DefaultRRFK
	}
	if topN <= 0 {
		topN = DefaultHybridTopN
	}
	return &HybridStrategy{K: k, Lambda: lambda, TopN: topN}
}

func (s *HybridStrategy) Name() string { return "hybrid" }

func (s *HybridStrategy) Rank(groups []Group) []RankedResult {
	scores := make([]float64, len(groups))
	idx := make([]int, len(groups))
	for i, g := range groups {
		scores[i] = rrfScore(g, s.K)
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return less(scores[idx[a]], scores[idx[b]], groups[idx[a]].Item, groups[idx[b]].Item)
	})

	head := idx
	var tail []int
	if len(idx) > s.TopN {
		head, tail = idx[:s.TopN], idx[s.TopN:]
	}

	maxScore := 0.0
	for _, sc := range scores {
		maxScore = math.Max(maxScore, sc)
	}
	rel := make([]float64, len(groups))
	for i, sc := range scores {
		if maxScore > 0 {
			rel[i] = sc / maxScore
		}
	}

	order, _ := mmrSelect(groups, head, rel, s.Lambda)
	order = append(order, tail...)

	out := make([]RankedResult, len(order))
	for i, gi := range order {
		out[i] = resultOf(groups[gi], scores[gi])
	}
	return numbered(out)
}

// normalisedRelevance min-max normalises raw scores within each source list and
// takes the best normalised score over a group's appearances.
func normalisedRelevance(groups []Group) []float64 {
	type bounds struct{ min, max float64 }
	lists := map[string]*bounds{}
	for _, g := range groups {
		for _, a := range g.Appearances {
			b, ok := lists[a.ListID]
			if !ok {
				lists[a.ListID] = &bounds{min: a.RawScore, max: a.RawScore}
				continue
			}
			b.min = math.Min(b.min, a.RawScore)
			b.max = math.Max(b.max, a.RawScore)
		}
	}

	rel := make([]float64, len(groups))
	for i, g := range groups {
		best := 0.0
		for _, a := range g.Appearances {
			b := lists[a.ListID]
			n := 1.0
			if b.max > b.min {
				n = (a.RawScore - b.min) / (b.max - b.min)
			}
			best = math.Max(best, n)
		}
		rel[i] = best
	}
	return rel
}

// mmrSelect greedily orders candidates by λ·rel − (1−λ)·max similarity to the
// already selected set.
func mmrSelect(groups []Group, candidates []int, rel []float64, lambda float64) ([]int, []float64) {
	remaining := append([]int(nil), candidates...)
	order := make([]int, 0, len(candidates))
	scores := make([]float64, 0, len(candidates))

	for len(remaining) > 0 {
		bestPos := -1
		bestScore := math.Inf(-1)
		for pos, gi := range remaining {
			maxSim := 0.0
			for _, sel := range order {
				maxSim = math.Max(maxSim, utils.Jaccard(groups[gi].tokens, groups[sel].tokens))
			}
			score := lambda*rel[gi] - (1-lambda)*maxSim

			if bestPos < 0 {
				bestPos, bestScore = pos, score
				continue
			}
			cur := groups[remaining[bestPos]].Item
			if score > bestScore || (score == bestScore && less(rel[gi], rel[remaining[bestPos]], groups[gi].Item, cur)) {
				bestPos, bestScore = pos, score
			}
		}
		order = append(order, remaining[bestPos])
		scores = append(scores, bestScore)
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}
	return order, scores
}

func numbered(out []RankedResult) []RankedResult {
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
