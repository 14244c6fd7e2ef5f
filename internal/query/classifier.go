package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/metrics"
	"github.com/podcast-rag/backend/pkg/logger"
	"github.com/podcast-rag/backend/pkg/utils"
)

const (
	ReasonArithmetic    = "arithmetic"
	ReasonTranslation   = "translation"
	ReasonMetaQuestion  = "meta_question"
	ReasonGeneralTrivia = "general_trivia"
	ReasonOffTopic      = "off_topic"
	ReasonNoEvidence    = "no_evidence"
)

const (
	PathFast     = "fast"
	PathLLM      = "llm"
	PathFallback = "fallback"
)

var (
	smallTalkPattern = regexp.MustCompile(`^((hi|hello|hey)[\s,!]+)?(how are you( doing)?( today)?|how's it going|hows it going|what's up|whats up|sup)[\s!.,?]*$`)
	greetingPattern  = regexp.MustCompile(`^(hi|hello|hey|heya|hiya|yo|howdy|greetings|good (morning|afternoon|evening|day)|thanks|thank you|thx|cheers|bye|goodbye|see you)( (there|all|everyone|again|so much|a lot|friend))*[\s!.,?]*$`)

	outOfScopePatterns = []struct {
		reason string
		re     *regexp.Regexp
	}{
		{ReasonArithmetic, regexp.MustCompile(`^(what is|what's|whats|calculate|compute|solve|how much is|evaluate)?\s*\(?[-+]?\d+(\.\d+)?\)?\s*([-+*/x×÷^%]|plus|minus|times|divided by|multiplied by|to the power of)\s*\(?[-+]?\d+`)},
		{ReasonArithmetic, regexp.MustCompile(`\b(square root|percent) of \d+`)},
		{ReasonTranslation, regexp.MustCompile(`^(please |can you |could you )?translate\s+["'“‘].+["'”’]`)},
		{ReasonTranslation, regexp.MustCompile(`^(please |can you |could you )?translate\b.+\b(into|to|in) (english|spanish|french|german|italian|portuguese|japanese|chinese|mandarin|korean|russian|arabic|hindi|dutch)[\s?!.]*$`)},
		{ReasonTranslation, regexp.MustCompile(`^how (do|would|can) (you|i|we) say\b.*\bin (english|spanish|french|german|italian|portuguese|japanese|chinese|mandarin|korean|russian|arabic|hindi|dutch)[\s?!.]*$`)},
		{ReasonMetaQuestion, regexp.MustCompile(`^(who|what) are you[\s?!.]*$`)},
		{ReasonMetaQuestion, regexp.MustCompile(`^what can you do( for me)?[\s?!.]*$`)},
		{ReasonMetaQuestion, regexp.MustCompile(`^are you (an? )?(ai|bot|robot|human|person|chatgpt|llm)[\s?!.]*$`)},
		{ReasonMetaQuestion, regexp.MustCompile(`^who (made|built|created|trained|programmed) you[\s?!.]*$`)},
		{ReasonMetaQuestion, regexp.MustCompile(`^(what is|what's|whats) your (name|model|system prompt|prompt|instructions)[\s?!.]*$`)},
		{ReasonGeneralTrivia, regexp.MustCompile(`^(what is|what's|whats|how is|how's|hows) (the )?(weather|forecast|temperature)\b`)},
		{ReasonGeneralTrivia, regexp.MustCompile(`^(what is|what's|whats) (the )?(current )?((stock|share) price|exchange rate)\b`)},
		{ReasonGeneralTrivia, regexp.MustCompile(`^who won (the )?(game|match|super bowl|world cup|election)\b`)},
		{ReasonGeneralTrivia, regexp.MustCompile(`^(what is|what's|whats) the (capital (city )?|population )of\b`)},
		{ReasonGeneralTrivia, regexp.MustCompile(`^(give me a )?recipe for\b`)},
		{ReasonGeneralTrivia, regexp.MustCompile(`^(what time is it|(what is|what's|whats) today'?s date|what day is (it|today))[\s?!.]*$`)},
	}

	simpleDefinitionPattern = regexp.MustCompile(`^(what is|what's|whats|what are|define|who is|who's|who was|meaning of|what does .+ mean)\b`)

	hintPatterns = []struct {
		intent Intent
		re     *regexp.Regexp
	}{
		{IntentCrossEpisode, regexp.MustCompile(`\b(across|episodes|every episode|all episodes|multiple episodes|different episodes|over time|recurring|repeatedly|guests)\b`)},
		{IntentComparison, regexp.MustCompile(`\b(compare|compared|comparison|versus|vs\.?|differ|differs|difference|differences|better than|worse than|similarities)\b`)},
		{IntentCausal, regexp.MustCompile(`^why\b|\b(cause|causes|caused|because|lead to|leads to|led to|result in|results in|effect of|effects of)\b`)},
		{IntentRelationship, regexp.MustCompile(`\b(relate|relates|related|relationship|relation|connect|connected|connection|link|linked|between|interplay|affect|affects|influence|influences|impact|impacts)\b`)},
	}

	relationCuePattern = regexp.MustCompile(`\b(and|or|vs|versus|between|relate|relates|compare)\b`)
)

const classifierSystemPrompt = `You classify questions sent to an assistant that answers only from a library of podcast transcripts
(interviews and conversations about health, psychology, creativity, business, science and life).
Return JSON only:
{"is_relevant": true|false, "rejection_reason": "", "intent": "...", "complexity": "..."}
intent is one of: definition, comparison, relationship, causal, factual, cross_episode.
complexity is one of: simple, moderate, complex.
A question is not relevant when it needs general world knowledge, live data, calculation or translation
rather than what podcast guests said. rejection_reason is a short snake_case code when not relevant.`

// Classification is the classifier output.
type Classification struct {
	IsRelevant      bool
	RejectionReason string
	Intent          Intent
	Complexity      Complexity
	DirectAnswer    bool
	Path            string
}

type Classifier struct {
	llm     Completer
	timeout time.Duration
	log     *zap.Logger
}

func NewClassifier(llm Completer, timeout time.Duration) *Classifier {
	return &Classifier{llm: llm, timeout: timeout, log: logger.Named("classifier")}
}

func isGreeting(normalized string) bool {
	return greetingPattern.MatchString(normalized) || smallTalkPattern.MatchString(normalized)
}

// FastPath applies the deterministic checks. ok is false when the query needs
// the LLM; hint is the pattern-derived intent in that case.
func FastPath(text string) (c Classification, ok bool, hint Intent) {
	lower := utils.NormalizeText(text)

	if isGreeting(lower) {
		return Classification{
			IsRelevant:   true,
			Intent:       IntentGreeting,
			Complexity:   ComplexitySimple,
			DirectAnswer: true,
			Path:         PathFast,
		}, true, IntentGreeting
	}

	for _, p := range outOfScopePatterns {
		if p.re.MatchString(lower) {
			return Classification{
				IsRelevant:      false,
				RejectionReason: p.reason,
				Intent:          IntentOutOfScope,
				Complexity:      ComplexitySimple,
				Path:            PathFast,
			}, true, IntentOutOfScope
		}
	}

	hint = hintIntent(lower)
	words := len(utils.Tokenize(lower))
	if hint == IntentFactual && words <= 6 && simpleDefinitionPattern.MatchString(lower) && !relationCuePattern.MatchString(lower) {
		return Classification{
			IsRelevant: true,
			Intent:     IntentDefinition,
			Complexity: ComplexitySimple,
			Path:       PathFast,
		}, true, IntentDefinition
	}

	return Classification{}, false, hint
}

func hintIntent(lower string) Intent {
	for _, p := range hintPatterns {
		if p.re.MatchString(lower) {
			return p.intent
		}
	}
	return IntentFactual
}

func (c *Classifier) Classify(ctx context.Context, text string, res Resolution) Classification {
	fast, ok, hint := FastPath(text)
	if ok {
		metrics.ClassifierPath.WithLabelValues(PathFast, fast.Intent.String()).Inc()
		return fast
	}

	fallback := Classification{
		IsRelevant: true,
		Intent:     hint,
		Complexity: ComplexityModerate,
		Path:       PathFallback,
	}

	if c.llm == nil {
		metrics.ClassifierPath.WithLabelValues(PathFallback, hint.String()).Inc()
		return fallback
	}

	out, err := c.classifyLLM(ctx, text, res, hint)
	if err != nil {
		metrics.StageFallbacks.WithLabelValues("classifier").Inc()
		metrics.ClassifierPath.WithLabelValues(PathFallback, hint.String()).Inc()
		c.log.Warn("Classification fell back to defaults", zap.Error(err), zap.String("hint", hint.String()))
		return fallback
	}

	metrics.ClassifierPath.WithLabelValues(PathLLM, out.Intent.String()).Inc()
	return out
}

func (c *Classifier) classifyLLM(ctx context.Context, text string, res Resolution, hint Intent) (Classification, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	user := fmt.Sprintf("Question: %s", text)
	if res.IsFollowUp && len(res.Entities) > 0 {
		user += fmt.Sprintf("\nThis continues an earlier question about: %s", strings.Join(res.Entities, ", "))
	}

	raw, err := c.llm.CompleteJSON(ctx, classifierSystemPrompt, user)
	if err != nil {
		return Classification{}, newError(CodeClassificationFailure, "classifier", "llm call failed", err)
	}
	obj, err := jsonObject(raw)
	if err != nil {
		return Classification{}, newError(CodeClassificationFailure, "classifier", "unparseable response", err)
	}

	relevant := obj.Get("is_relevant")
	if !relevant.IsBool() {
		return Classification{}, newError(CodeClassificationFailure, "classifier", "missing is_relevant", nil)
	}

	if !relevant.Bool() {
		reason := strings.TrimSpace(obj.Get("rejection_reason").String())
		if reason == "" {
			reason = ReasonOffTopic
		}
		return Classification{
			IsRelevant:      false,
			RejectionReason: reason,
			Intent:          IntentOutOfScope,
			Complexity:      ComplexitySimple,
			Path:            PathLLM,
		}, nil
	}

	intent, ok := ParseIntent(obj.Get("intent").String())
	if !ok || intent == IntentGreeting || intent == IntentOutOfScope {
		intent = hint
	}
	complexity, _ := ParseComplexity(obj.Get("complexity").String())

	return Classification{
		IsRelevant: true,
		Intent:     intent,
		Complexity: complexity,
		Path:       PathLLM,
	}, nil
}
