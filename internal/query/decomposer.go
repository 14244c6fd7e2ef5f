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

const decomposerSystemPrompt = `You split a question about podcast content into the smallest self-contained questions
that together answer it. Each sub-question must make sense on its own, with pronouns replaced by names.
Return JSON only: {"sub_queries": ["...", "..."]}. Return an empty list when the question is already atomic.`

type Decomposition struct {
	NeedsDecomposition bool
	SubQueries         []string
}

type Decomposer struct {
	llm     Completer
	max     int
	timeout time.Duration
	log     *zap.Logger
}

func NewDecomposer(llm Completer, maxSubQueries int, timeout time.Duration) *Decomposer {
	if maxSubQueries <= 0 {
		maxSubQueries = 3
	}
	return &Decomposer{llm: llm, max: maxSubQueries, timeout: timeout, log: logger.Named("decomposer")}
}

// Decompose breaks non-simple queries into at most max atomic questions. The
// original query is always the last sub-query when decomposition happens.
func (d *Decomposer) Decompose(ctx context.Context, text string, complexity Complexity, entities []string) Decomposition {
	if complexity == ComplexitySimple || d.llm == nil {
		return Decomposition{}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	user := fmt.Sprintf("Question: %s", text)
	if len(entities) > 0 {
		user += fmt.Sprintf("\nKnown people and topics: %s", strings.Join(entities, ", "))
	}
	user += fmt.Sprintf("\nReturn at most %d sub-questions.", d.max)

	raw, err := d.llm.CompleteJSON(ctx, decomposerSystemPrompt, user)
	if err != nil {
		d.fallback(err)
		return Decomposition{}
	}
	obj, err := jsonObject(raw)
	if err != nil {
		d.fallback(err)
		return Decomposition{}
	}

	original := utils.NormalizeText(text)
	var atomic []string
	for _, q := range utils.DedupeStrings(stringList(obj.Get("sub_queries"))) {
		if utils.NormalizeText(q) == original {
			continue
		}
		atomic = append(atomic, q)
		if len(atomic) == d.max {
			break
		}
	}
	if len(atomic) == 0 {
		return Decomposition{}
	}

	return Decomposition{NeedsDecomposition: true, SubQueries: append(atomic, text)}
}

func (d *Decomposer) fallback(err error) {
	metrics.StageFallbacks.WithLabelValues("decomposer").Inc()
	d.log.Warn("Decomposition skipped", zap.Error(newError(CodeClassificationFailure, "decomposer", "llm decomposition failed", err)))
}
