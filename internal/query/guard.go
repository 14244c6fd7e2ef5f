package query

import (
	"fmt"

	"github.com/podcast-rag/backend/internal/fusion"
)

// RejectionMessage is the only text a caller ever sees when the system declines
// to answer, whatever the reason.
const RejectionMessage = "I can only answer questions using what was discussed in the podcast episodes, and I couldn't find anything there that answers this. Try asking about a guest, an episode or a topic covered on the show."

type GuardState int

const (
	StateAwaitPlan GuardState = iota
	StateAwaitRetrieval
	StateDecision
	StateRejected
	StatePassThrough
)

func (s GuardState) String() string {
	switch s {
	case StateAwaitPlan:
		return "AWAIT_PLAN"
	case StateAwaitRetrieval:
		return "AWAIT_RETRIEVAL"
	case StateDecision:
		return "DECISION"
	case StateRejected:
		return "REJECTED"
	case StatePassThrough:
		return "PASS_THROUGH"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s GuardState) Terminal() bool {
	return s == StateRejected || s == StatePassThrough
}

// Guard decides, once per query, whether any answer text may be released.
// It is not safe for concurrent use; one guard belongs to one request.
type Guard struct {
	state  GuardState
	reason string
}

func NewGuard() *Guard {
	return &Guard{state: StateAwaitPlan}
}

func (g *Guard) State() GuardState { return g.state }
func (g *Guard) Reason() string    { return g.reason }

func (g *Guard) transition(from GuardState, to GuardState) error {
	if g.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidTransition, from, to, g.state)
	}
	g.state = to
	return nil
}

// Plan consumes the query plan. Irrelevant plans are rejected and direct
// answers pass through without retrieval.
func (g *Guard) Plan(p *Plan) (GuardState, error) {
	switch {
	case !p.IsRelevant:
		if err := g.transition(StateAwaitPlan, StateRejected); err != nil {
			return g.state, err
		}
		g.reason = p.RejectionReason
		if g.reason == "" {
			g.reason = ReasonOffTopic
		}
	case p.DirectAnswer:
		if err := g.transition(StateAwaitPlan, StatePassThrough); err != nil {
			return g.state, err
		}
	default:
		if err := g.transition(StateAwaitPlan, StateAwaitRetrieval); err != nil {
			return g.state, err
		}
	}
	return g.state, nil
}

// Outcome consumes the fused retrieval result and makes the final decision.
func (g *Guard) Outcome(o fusion.Outcome) (GuardState, error) {
	if err := g.transition(StateAwaitRetrieval, StateDecision); err != nil {
		return g.state, err
	}
	if o.RAGCount == 0 && o.KGCount == 0 {
		g.state = StateRejected
		g.reason = ReasonNoEvidence
		return g.state, nil
	}
	g.state = StatePassThrough
	return g.state, nil
}

// Release is the last gate before text reaches the caller. Anything other than
// a pass-through decision yields the canonical rejection message.
func (g *Guard) Release(text string) string {
	if g.state != StatePassThrough {
		return RejectionMessage
	}
	return text
}

func (g *Guard) Decision() Decision {
	if g.state == StatePassThrough {
		return DecisionPassThrough
	}
	return DecisionRejected
}
