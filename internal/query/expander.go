package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/metrics"
	"github.com/podcast-rag/backend/pkg/logger"
	"github.com/podcast-rag/backend/pkg/utils"
)

const expanderSystemPrompt = `You rewrite a search question about podcast conversations into alternative phrasings
that would match different wording in a transcript. Keep the meaning. Do not repeat the original.
Return JSON only: {"variants": ["...", "..."]}.`

var synonyms = map[string][]string{
	"meditation":   {"mindfulness", "meditating"},
	"mindfulness":  {"meditation", "present moment awareness"},
	"creativity":   {"creative process", "creative work"},
	"creative":     {"creativity", "imaginative"},
	"sleep":        {"rest", "sleep quality"},
	"exercise":     {"workout", "training"},
	"focus":        {"attention", "concentration"},
	"stress":       {"anxiety", "pressure"},
	"anxiety":      {"stress", "worry"},
	"happiness":    {"wellbeing", "fulfilment"},
	"productivity": {"getting things done", "deep work"},
	"habits":       {"routines", "daily practices"},
	"habit":        {"routine", "practice"},
	"diet":         {"nutrition", "eating"},
	"nutrition":    {"diet", "food"},
	"fasting":      {"time restricted eating", "intermittent fasting"},
	"money":        {"wealth", "finances"},
	"wealth":       {"money", "financial freedom"},
	"learning":     {"education", "skill acquisition"},
	"relationship": {"connection", "partnership"},
	"success":      {"achievement", "accomplishment"},
	"fear":         {"anxiety", "courage"},
	"health":       {"wellness", "longevity"},
	"longevity":    {"lifespan", "aging"},
	"leadership":   {"managing people", "leaders"},
}

// Expander produces alternative phrasings for the RAG store.
type Expander struct {
	llm         Completer
	useLLM      bool
	maxVariants int
	timeout     time.Duration
	log         *zap.Logger
}

func NewExpander(llm Completer, useLLM bool, maxVariants int, timeout time.Duration) *Expander {
	if maxVariants <= 0 {
		maxVariants = 3
	}
	return &Expander{llm: llm, useLLM: useLLM, maxVariants: maxVariants, timeout: timeout, log: logger.Named("expander")}
}

// Expand returns up to maxVariants distinct variants, none equal to query.
func (e *Expander) Expand(ctx context.Context, query string, detailed bool) []string {
	var candidates []string
	if detailed && e.useLLM && e.llm != nil {
		variants, err := e.expandLLM(ctx, query)
		if err != nil {
			metrics.StageFallbacks.WithLabelValues("expander").Inc()
			e.log.Warn("LLM expansion failed, using patterns", zap.Error(err))
		}
		candidates = variants
	}
	if len(candidates) == 0 {
		candidates = PatternVariants(query)
	}
	return e.finalize(query, candidates)
}

func (e *Expander) finalize(query string, candidates []string) []string {
	original := utils.NormalizeText(query)
	out := make([]string, 0, e.maxVariants)
	for _, v := range utils.DedupeStrings(candidates) {
		if utils.NormalizeText(v) == original {
			continue
		}
		out = append(out, v)
		if len(out) == e.maxVariants {
			break
		}
	}
	return out
}

func (e *Expander) expandLLM(ctx context.Context, query string) ([]string, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	raw, err := e.llm.CompleteJSON(ctx, expanderSystemPrompt,
		fmt.Sprintf("Question: %s\nReturn at most %d variants.", query, e.maxVariants))
	if err != nil {
		return nil, err
	}
	obj, err := jsonObject(raw)
	if err != nil {
		return nil, err
	}
	return stringList(obj.Get("variants")), nil
}

// PatternVariants builds variants from the synonym table plus keyword and
// "what guests said" question forms.
func PatternVariants(query string) []string {
	words := utils.ContentWords(query)
	if len(words) == 0 {
		return nil
	}

	var out []string
	for i, w := range words {
		alts, ok := synonyms[w]
		if !ok {
			continue
		}
		swapped := append([]string(nil), words...)
		swapped[i] = alts[0]
		out = append(out, strings.Join(swapped, " "))
	}

	keywords := strings.Join(words, " ")
	out = append(out, keywords)
	out = append(out, "what did guests say about "+keywords)
	return out
}
