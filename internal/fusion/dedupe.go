package fusion

import (
	"sort"
	"strings"

	"github.com/podcast-rag/backend/internal/retrieval"
	"github.com/podcast-rag/backend/pkg/utils"
)

const DefaultDedupPrefix = 160

// Appearance records one place a passage showed up before deduplication.
type Appearance struct {
	Source   retrieval.Source
	ListID   string
	Rank     int
	RawScore float64
}

// Group is a deduplicated passage. Item is the representative appearance.
type Group struct {
	Key         string
	Item        retrieval.Item
	Appearances []Appearance
	tokens      []string
}

// DedupKey is the normalised content prefix that identifies duplicates.
func DedupKey(content string, prefix int) string {
	if prefix <= 0 {
		prefix = DefaultDedupPrefix
	}
	return utils.Prefix(utils.NormalizeText(content), prefix)
}

func canonical(items []retrieval.Item) []retrieval.Item {
	out := make([]retrieval.Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OriginQuery != b.OriginQuery {
			return a.OriginQuery < b.OriginQuery
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.ListID != b.ListID {
			return a.ListID < b.ListID
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.Content < b.Content
	})
	return out
}

// better reports whether a should represent a group instead of b.
func better(a, b retrieval.Item) bool {
	if a.RawScore != b.RawScore {
		return a.RawScore > b.RawScore
	}
	if a.OriginQuery != b.OriginQuery {
		return a.OriginQuery < b.OriginQuery
	}
	return a.Seq < b.Seq
}

// Dedupe merges items whose normalised content prefix matches, across sources.
// Groups keep the order of their first appearance in canonical (origin query,
// seq) order. The representative's Source decides which list the group lands in.
func Dedupe(items []retrieval.Item, prefix int) []Group {
	ordered := canonical(items)

	index := make(map[string]int, len(ordered))
	groups := make([]Group, 0, len(ordered))

	for _, it := range ordered {
		key := DedupKey(it.Content, prefix)
		app := Appearance{Source: it.Source, ListID: it.ListID, Rank: it.Rank, RawScore: it.RawScore}

		idx, ok := index[key]
		if !ok {
			index[key] = len(groups)
			rep := it
			rep.Provenance = mergeProvenance(nil, it.Provenance)
			groups = append(groups, Group{Key: key, Item: rep, Appearances: []Appearance{app}})
			continue
		}

		g := &groups[idx]
		g.Appearances = append(g.Appearances, app)
		prov := mergeProvenance(g.Item.Provenance, it.Provenance)
		if better(it, g.Item) {
			g.Item = it
		}
		g.Item.Provenance = prov
	}

	for i := range groups {
		groups[i].tokens = utils.Tokenize(groups[i].Item.Content)
	}
	return groups
}

// Sources lists the distinct stores the group was retrieved from, in a fixed
// order.
func (g Group) Sources() []retrieval.Source {
	var rag, kg bool
	for _, a := range g.Appearances {
		switch a.Source {
		case retrieval.SourceRAG:
			rag = true
		case retrieval.SourceKG:
			kg = true
		}
	}
	var out []retrieval.Source
	if rag {
		out = append(out, retrieval.SourceRAG)
	}
	if kg {
		out = append(out, retrieval.SourceKG)
	}
	return out
}

func mergeProvenance(dst, src []retrieval.Provenance) []retrieval.Provenance {
	seen := make(map[string]struct{}, len(dst)+len(src))
	out := make([]retrieval.Provenance, 0, len(dst)+len(src))
	for _, list := range [][]retrieval.Provenance{dst, src} {
		for _, p := range list {
			if len(p) == 0 {
				continue
			}
			k := provenanceKey(p)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func provenanceKey(p retrieval.Provenance) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
		b.WriteByte(';')
	}
	return b.String()
}
