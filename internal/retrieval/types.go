package retrieval

import (
	"context"
	"sort"
)

// Source identifies which store produced an item.
type Source string

const (
	SourceRAG Source = "rag"
	SourceKG  Source = "kg"
)

// KGMode selects how the graph store is queried.
type KGMode string

const (
	KGModeNone          KGMode = ""
	KGModeEntityCentric KGMode = "entity_centric"
	KGModeMultiHop      KGMode = "multi_hop"
	KGModeCrossEpisode  KGMode = "cross_episode"
)

func (m KGMode) Valid() bool {
	switch m {
	case KGModeEntityCentric, KGModeMultiHop, KGModeCrossEpisode:
		return true
	}
	return false
}

// Strategy says which stores to query and how.
type Strategy struct {
	UseRAG       bool   `json:"use_rag"`
	UseKG        bool   `json:"use_kg"`
	KGMode       KGMode `json:"kg_query_mode,omitempty"`
	RAGExpansion bool   `json:"rag_expansion"`
	Iterative    bool   `json:"iterative"`
}

func (s Strategy) None() bool {
	return !s.UseRAG && !s.UseKG
}

// Provenance is opaque, store-defined metadata (episode_id, timestamp, speaker, path...).
type Provenance map[string]string

// Hit is a single result as returned by a store.
type Hit struct {
	Content    string
	Score      float64
	Provenance Provenance
}

// Item is a store hit annotated with the call that produced it.
type Item struct {
	Source      Source       `json:"source"`
	Content     string       `json:"content"`
	OriginQuery string       `json:"origin_query"`
	RawScore    float64      `json:"raw_score"`
	Provenance  []Provenance `json:"provenance"`
	ListID      string       `json:"-"`
	Rank        int          `json:"-"`
	Seq         int          `json:"-"`
}

type RAGStore interface {
	Search(ctx context.Context, query string, topK int) ([]Hit, error)
}

type KGRequest struct {
	Mode     KGMode
	Text     string
	Entities []string
	Limit    int
}

type KGStore interface {
	Query(ctx context.Context, req KGRequest) ([]Hit, error)
}

// Expander produces alternative phrasings of a query. detailed is true for
// non-simple queries. Implementations never return the query itself.
type Expander interface {
	Expand(ctx context.Context, query string, detailed bool) []string
}

// Request is everything the orchestrator needs from a query plan.
type Request struct {
	Query      string
	SubQueries []string
	Entities   []string
	Strategy   Strategy
	Detailed   bool
}

// Result is the union of all items retrieved for a request.
type Result struct {
	Items   []Item
	Queries []string
	Calls   int
	Failed  int
	Rounds  int
}

func (r *Result) Count(src Source) int {
	n := 0
	for _, it := range r.Items {
		if it.Source == src {
			n++
		}
	}
	return n
}

// SortCanonical orders items by origin query, then call-plan sequence.
func SortCanonical(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].OriginQuery != items[j].OriginQuery {
			return items[i].OriginQuery < items[j].OriginQuery
		}
		return items[i].Seq < items[j].Seq
	})
}
