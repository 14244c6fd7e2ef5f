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

var pronouns = map[string]struct{}{
	"it": {}, "he": {}, "she": {}, "they": {}, "them": {}, "his": {}, "her": {},
	"hers": {}, "their": {}, "theirs": {}, "this": {}, "that": {}, "those": {},
	"these": {}, "him": {}, "its": {},
}

var ellipsisOpeners = []string{"what about", "how about", "and ", "also", "same for", "what else", "tell me more", "more on"}

const resolverSystemPrompt = `You decide whether a question to a podcast assistant continues the previous conversation.
Return JSON only: {"is_follow_up": true|false, "entities": ["..."]}.
entities lists the people and topics the question is about, with pronouns resolved from the conversation.`

// Resolution is the resolver's view of the current query.
type Resolution struct {
	IsFollowUp bool
	Entities   []string
	Ambiguous  bool
}

type Resolver struct {
	llm       Completer
	extractor EntityExtractor
	turns     int
	timeout   time.Duration
	log       *zap.Logger
}

func NewResolver(llm Completer, extractor EntityExtractor, turns int, timeout time.Duration) *Resolver {
	if extractor == nil {
		extractor = ProseExtractor{}
	}
	if turns <= 0 {
		turns = 3
	}
	return &Resolver{llm: llm, extractor: extractor, turns: turns, timeout: timeout, log: logger.Named("resolver")}
}

func (r *Resolver) Resolve(ctx context.Context, text string, conv ConversationContext) Resolution {
	own := r.extractor.Extract(text)
	prev, ok := conv.Last()
	if !ok {
		return Resolution{Entities: own}
	}

	refers := refersBack(text)
	switch {
	case !refers:
		return Resolution{Entities: own}
	case len(own) == 0:
		return Resolution{IsFollowUp: true, Entities: mergeEntities(prev.Entities, own)}
	}

	heuristic := Resolution{IsFollowUp: true, Entities: mergeEntities(prev.Entities, own), Ambiguous: true}
	if r.llm == nil {
		return heuristic
	}

	res, err := r.askLLM(ctx, text, conv)
	if err != nil {
		metrics.StageFallbacks.WithLabelValues("resolver").Inc()
		r.log.Warn("Follow-up resolution fell back to heuristic", zap.Error(err))
		return heuristic
	}
	res.Ambiguous = true
	return res
}

func (r *Resolver) askLLM(ctx context.Context, text string, conv ConversationContext) (Resolution, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var b strings.Builder
	b.WriteString("Conversation:\n")
	for _, t := range conv.Tail(r.turns) {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.Query, truncate(t.Answer, 300))
	}
	fmt.Fprintf(&b, "\nNew question: %s", text)

	raw, err := r.llm.CompleteJSON(ctx, resolverSystemPrompt, b.String())
	if err != nil {
		return Resolution{}, newError(CodeClassificationFailure, "resolver", "llm call failed", err)
	}
	obj, err := jsonObject(raw)
	if err != nil {
		return Resolution{}, newError(CodeClassificationFailure, "resolver", "unparseable response", err)
	}
	follow := obj.Get("is_follow_up")
	if !follow.IsBool() {
		return Resolution{}, newError(CodeClassificationFailure, "resolver", "missing is_follow_up", nil)
	}

	return Resolution{IsFollowUp: follow.Bool(), Entities: mergeEntities(nil, stringList(obj.Get("entities")))}, nil
}

func refersBack(text string) bool {
	lower := utils.NormalizeText(text)
	for _, opener := range ellipsisOpeners {
		if strings.HasPrefix(lower, opener) {
			return true
		}
	}
	tokens := utils.Tokenize(lower)
	for _, tok := range tokens {
		if _, ok := pronouns[tok]; ok {
			return true
		}
	}
	return len(tokens) > 0 && len(tokens) <= 2 && !isGreeting(lower)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
