package neo4j

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/podcast-rag/backend/internal/retrieval"
	"github.com/podcast-rag/backend/pkg/utils"
)

type compiledQuery struct {
	cypher string
	params map[string]any
	decode func(*neo4j.Record) (retrieval.Hit, bool)
}

// searchTerms returns lower-cased entity names. Without entities it falls back
// to the query's content words, matched by substring.
func searchTerms(req retrieval.KGRequest) (terms []string, fuzzy bool) {
	for _, e := range req.Entities {
		if t := strings.ToLower(strings.TrimSpace(e)); t != "" {
			terms = append(terms, t)
		}
	}
	if len(terms) > 0 {
		return utils.DedupeStrings(terms), false
	}
	for _, w := range utils.ContentWords(req.Text) {
		if len([]rune(w)) > 3 {
			terms = append(terms, w)
		}
	}
	return utils.DedupeStrings(terms), true
}

func matcher(variable string, fuzzy bool) string {
	if fuzzy {
		return fmt.Sprintf("any(t IN $terms WHERE toLower(%s.name) CONTAINS t)", variable)
	}
	return fmt.Sprintf("toLower(%s.name) IN $terms", variable)
}

// buildQuery compiles a request to Cypher. A nil query means there is nothing
// to search for.
func buildQuery(req retrieval.KGRequest, maxHops int) (*compiledQuery, error) {
	terms, fuzzy := searchTerms(req)
	if len(terms) == 0 {
		return nil, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	if maxHops <= 0 {
		maxHops = 3
	}
	params := map[string]any{"terms": terms, "limit": limit}

	switch req.Mode {
	case retrieval.KGModeEntityCentric:
		return &compiledQuery{
			cypher: fmt.Sprintf(`
				MATCH (s:Entity)-[r:RELATES]->(o:Entity)
				WHERE %s OR %s
				RETURN s.name AS subject, r.type AS predicate, o.name AS object,
				       r.confidence AS confidence, coalesce(r.episodes, []) AS episodes
				ORDER BY confidence DESC, subject, predicate, object
				LIMIT $limit`, matcher("s", fuzzy), matcher("o", fuzzy)),
			params: params,
			decode: decodeTriple,
		}, nil

	case retrieval.KGModeMultiHop:
		// Paths between the named entities; with a single term, paths out of it.
		endpoint := matcher("b", fuzzy)
		if len(terms) < 2 {
			endpoint = "true"
		}
		return &compiledQuery{
			cypher: fmt.Sprintf(`
				MATCH p = (a:Entity)-[:RELATES*1..%d]-(b:Entity)
				WHERE %s AND %s AND a <> b
				WITH p, [n IN nodes(p) | n.name] AS names,
				     [r IN relationships(p) | r.type] AS predicates,
				     [r IN relationships(p) | coalesce(r.confidence, 0.5)] AS confidences,
				     [r IN relationships(p) | coalesce(r.episodes, [])] AS episodes
				RETURN names, predicates, confidences, episodes
				ORDER BY length(p), names
				LIMIT $limit`, maxHops, matcher("a", fuzzy), endpoint),
			params: params,
			decode: decodePath,
		}, nil

	case retrieval.KGModeCrossEpisode:
		return &compiledQuery{
			cypher: fmt.Sprintf(`
				MATCH (ep:Episode)-[m:MENTIONS]->(e:Entity)
				WHERE %s
				WITH e, ep, m, size([(other:Episode)-[:MENTIONS]->(e) | other]) AS spread
				RETURN e.name AS entity, ep.id AS episode_id, ep.title AS title,
				       coalesce(m.count, 1) AS mentions, spread
				ORDER BY spread DESC, mentions DESC, episode_id
				LIMIT $limit`, matcher("e", fuzzy)),
			params: params,
			decode: decodeMention,
		}, nil
	}

	return nil, fmt.Errorf("unsupported kg mode %q", req.Mode)
}

func decodeTriple(rec *neo4j.Record) (retrieval.Hit, bool) {
	subject := asString(rec, "subject")
	predicate := asString(rec, "predicate")
	object := asString(rec, "object")
	if subject == "" || object == "" {
		return retrieval.Hit{}, false
	}
	conf := asFloat(rec, "confidence", 0.5)
	prov := retrieval.Provenance{
		"subject":    subject,
		"predicate":  predicate,
		"object":     object,
		"confidence": strconv.FormatFloat(conf, 'f', 2, 64),
	}
	if eps := asStrings(rec, "episodes"); len(eps) > 0 {
		prov["episode_id"] = eps[0]
		prov["episodes"] = strings.Join(eps, ",")
	}
	return retrieval.Hit{
		Content:    fmt.Sprintf("%s -[%s]-> %s", subject, predicate, object),
		Score:      conf,
		Provenance: prov,
	}, true
}

func decodePath(rec *neo4j.Record) (retrieval.Hit, bool) {
	names := asStrings(rec, "names")
	predicates := asStrings(rec, "predicates")
	if len(names) < 2 || len(predicates) != len(names)-1 {
		return retrieval.Hit{}, false
	}

	confidences := asFloats(rec, "confidences")
	score := 0.0
	for _, c := range confidences {
		score += c
	}
	if len(confidences) > 0 {
		score /= float64(len(confidences))
	}
	score /= float64(len(predicates))

	prov := retrieval.Provenance{
		"path": strings.Join(names, ">"),
		"hops": strconv.Itoa(len(predicates)),
	}
	if raw, ok := rec.Get("episodes"); ok {
		if lists, ok := raw.([]any); ok {
			var eps []string
			for _, l := range lists {
				eps = append(eps, toStrings(l)...)
			}
			eps = utils.DedupeStrings(eps)
			if len(eps) > 0 {
				prov["episode_id"] = eps[0]
				prov["episodes"] = strings.Join(eps, ",")
			}
		}
	}

	return retrieval.Hit{Content: FormatPath(names, predicates), Score: score, Provenance: prov}, true
}

func decodeMention(rec *neo4j.Record) (retrieval.Hit, bool) {
	entity := asString(rec, "entity")
	episode := asString(rec, "episode_id")
	if entity == "" || episode == "" {
		return retrieval.Hit{}, false
	}
	title := asString(rec, "title")
	mentions := asInt(rec, "mentions")
	spread := asInt(rec, "spread")

	label := episode
	if title != "" {
		label = strconv.Quote(title)
	}
	return retrieval.Hit{
		Content: fmt.Sprintf("%s is discussed in episode %s (%d mentions, %d episodes overall)", entity, label, mentions, spread),
		Score:   float64(spread),
		Provenance: retrieval.Provenance{
			"entity":        entity,
			"episode_id":    episode,
			"episode_title": title,
		},
	}, true
}

// FormatPath renders a graph path as "a -[P]-> b -[Q]-> c".
func FormatPath(names, predicates []string) string {
	var b strings.Builder
	for i, n := range names {
		if i > 0 {
			fmt.Fprintf(&b, " -[%s]-> ", predicates[i-1])
		}
		b.WriteString(n)
	}
	return b.String()
}

func asString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func asFloat(rec *neo4j.Record, key string, def float64) float64 {
	v, _ := rec.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return def
}

func asInt(rec *neo4j.Record, key string) int {
	v, _ := rec.Get(key)
	switch n := v.(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asStrings(rec *neo4j.Record, key string) []string {
	v, _ := rec.Get(key)
	return toStrings(v)
}

func toStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asFloats(rec *neo4j.Record, key string) []float64 {
	v, _ := rec.Get(key)
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		switch n := item.(type) {
		case float64:
			out = append(out, n)
		case int64:
			out = append(out, float64(n))
		}
	}
	return out
}
