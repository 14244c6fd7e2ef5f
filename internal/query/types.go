package query

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/podcast-rag/backend/internal/fusion"
	"github.com/podcast-rag/backend/internal/retrieval"
)

// Intent is the question type the classifier assigns.
type Intent int

const (
	IntentFactual Intent = iota
	IntentGreeting
	IntentDefinition
	IntentComparison
	IntentRelationship
	IntentCausal
	IntentCrossEpisode
	IntentOutOfScope
)

var intentNames = map[Intent]string{
	IntentFactual:      "factual",
	IntentGreeting:     "greeting",
	IntentDefinition:   "definition",
	IntentComparison:   "comparison",
	IntentRelationship: "relationship",
	IntentCausal:       "causal",
	IntentCrossEpisode: "cross_episode",
	IntentOutOfScope:   "out_of_scope",
}

func (i Intent) String() string {
	if s, ok := intentNames[i]; ok {
		return s
	}
	return fmt.Sprintf("intent(%d)", int(i))
}

// ParseIntent maps a wire name to an Intent.
func ParseIntent(s string) (Intent, bool) {
	for k, v := range intentNames {
		if v == s {
			return k, true
		}
	}
	return IntentFactual, false
}

// MarshalJSON encodes the intent by wire name.
func (i Intent) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// Complexity drives decomposition and the retrieval strategy.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	}
	return fmt.Sprintf("complexity(%d)", int(c))
}

// ParseComplexity maps a wire name to a Complexity. Unknown names read as moderate.
func ParseComplexity(s string) (Complexity, bool) {
	switch s {
	case "simple":
		return ComplexitySimple, true
	case "moderate":
		return ComplexityModerate, true
	case "complex":
		return ComplexityComplex, true
	}
	return ComplexityModerate, false
}

// MarshalJSON encodes the complexity by wire name.
func (c Complexity) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// Plan is the per-query decision record. It is never cached or shared.
type Plan struct {
	IsRelevant         bool               `json:"is_relevant"`
	RejectionReason    string             `json:"rejection_reason,omitempty"`
	Intent             Intent             `json:"intent"`
	Complexity         Complexity         `json:"complexity"`
	NeedsDecomposition bool               `json:"needs_decomposition"`
	SubQueries         []string           `json:"sub_queries"`
	Strategy           retrieval.Strategy `json:"retrieval_strategy"`
	DirectAnswer       bool               `json:"direct_answer"`
	IsFollowUp         bool               `json:"is_follow_up"`
	Entities           []string           `json:"entities"`
}

// Validate checks the structural invariants of a plan.
func (p *Plan) Validate() error {
	if p.DirectAnswer && !p.Strategy.None() {
		return newError(CodeInvalidPlan, "plan", "direct answer plan selects a store", nil)
	}
	if !p.IsRelevant && (len(p.SubQueries) > 0 || !p.Strategy.None()) {
		return newError(CodeInvalidPlan, "plan", "rejected plan carries retrieval work", nil)
	}
	if p.Strategy.UseKG && !p.Strategy.KGMode.Valid() {
		return newError(CodeInvalidPlan, "plan", "kg strategy without a query mode", nil)
	}
	return nil
}

// Turn is one prior exchange in a session, oldest first.
type Turn struct {
	Query    string   `json:"query"`
	Answer   string   `json:"answer"`
	Entities []string `json:"entities"`
}

type ConversationContext struct {
	SessionID string
	Turns     []Turn
}

func (c ConversationContext) Last() (Turn, bool) {
	if len(c.Turns) == 0 {
		return Turn{}, false
	}
	return c.Turns[len(c.Turns)-1], true
}

// Tail returns the last n turns.
func (c ConversationContext) Tail(n int) []Turn {
	if n <= 0 || n >= len(c.Turns) {
		return c.Turns
	}
	return c.Turns[len(c.Turns)-n:]
}

// ContextStore gives read-only access to session history.
type ContextStore interface {
	GetContext(ctx context.Context, sessionID string, n int) (ConversationContext, error)
}

// Completer is the structured LLM call used for query understanding. It returns
// the raw model text, expected to contain a JSON object.
type Completer interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

type Synthesizer interface {
	Answer(ctx context.Context, question string, evidence []fusion.RankedResult) (string, error)
	Greet(ctx context.Context, message string) (string, error)
}

type Request struct {
	Query     string
	SessionID string
	UserID    string
}

type Decision string

const (
	DecisionRejected    Decision = "rejected"
	DecisionPassThrough Decision = "pass_through"
)

type Response struct {
	ID              string         `json:"id"`
	Query           string         `json:"query"`
	Answer          string         `json:"answer"`
	Decision        Decision       `json:"decision"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	Plan            Plan           `json:"plan"`
	Outcome         fusion.Outcome `json:"outcome"`
	LatencyMS       int            `json:"latency_ms"`
}
