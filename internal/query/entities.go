package query

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/pkg/logger"
	"github.com/podcast-rag/backend/pkg/utils"
)

// EntityExtractor pulls candidate graph entities (people, topics) out of text.
type EntityExtractor interface {
	Extract(text string) []string
}

// ProseExtractor combines part-of-speech nouns and named entities from prose
// with capitalised runs, so names survive even when the tagger misses them.
type ProseExtractor struct{}

func (ProseExtractor) Extract(text string) []string {
	found := CapitalizedExtractor{}.Extract(text)

	doc, err := prose.NewDocument(text, prose.WithSegmentation(false))
	if err != nil {
		logger.Debug("prose tagging failed, using capitalised runs", zap.Error(err))
		return found
	}

	for _, ent := range doc.Entities() {
		found = append(found, ent.Text)
	}
	for _, tok := range doc.Tokens() {
		switch tok.Tag {
		case "NN", "NNS":
			w := strings.ToLower(tok.Text)
			if len([]rune(w)) > 3 && !utils.IsStopword(w) {
				found = append(found, w)
			}
		}
	}
	return mergeEntities(nil, found)
}

// CapitalizedExtractor treats runs of capitalised words as names. The first word
// of the text only counts when it is not a question or function word.
type CapitalizedExtractor struct{}

func (CapitalizedExtractor) Extract(text string) []string {
	words := strings.Fields(text)
	var out []string
	var run []string
	flush := func() {
		if len(run) > 0 {
			out = append(out, strings.Join(run, " "))
			run = nil
		}
	}
	for i, raw := range words {
		w := strings.TrimFunc(raw, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if w == "" || w == "I" {
			flush()
			continue
		}
		first := []rune(w)[0]
		capital := unicode.IsUpper(first)
		if capital && i == 0 && utils.IsStopword(strings.ToLower(w)) {
			capital = false
		}
		if !capital {
			flush()
			continue
		}
		run = append(run, w)
		if strings.ContainsAny(raw, ".,;:?!") {
			flush()
		}
	}
	flush()
	return out
}

// mergeEntities appends extra to base, keeping the first spelling of each
// case-insensitive name.
func mergeEntities(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, e := range list {
			e = strings.TrimSpace(e)
			key := strings.ToLower(e)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}
