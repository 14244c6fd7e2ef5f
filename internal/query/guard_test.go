package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podcast-rag/backend/internal/fusion"
	"github.com/podcast-rag/backend/internal/retrieval"
)

func withResults(rag, kg int) fusion.Outcome {
	return fusion.Outcome{RAGCount: rag, KGCount: kg}
}

func TestGuardTransitions(t *testing.T) {
	tests := []struct {
		name     string
		plan     *Plan
		outcome  *fusion.Outcome
		want     GuardState
		reason   string
		decision Decision
	}{
		{
			name:     "irrelevant",
			plan:     &Plan{IsRelevant: false, RejectionReason: ReasonArithmetic},
			want:     StateRejected,
			reason:   ReasonArithmetic,
			decision: DecisionRejected,
		},
		{
			name:     "irrelevant without reason",
			plan:     &Plan{},
			want:     StateRejected,
			reason:   ReasonOffTopic,
			decision: DecisionRejected,
		},
		{
			name:     "direct answer",
			plan:     &Plan{IsRelevant: true, DirectAnswer: true},
			want:     StatePassThrough,
			decision: DecisionPassThrough,
		},
		{
			name:     "no evidence",
			plan:     &Plan{IsRelevant: true, Strategy: retrieval.Strategy{UseRAG: true}},
			outcome:  &fusion.Outcome{},
			want:     StateRejected,
			reason:   ReasonNoEvidence,
			decision: DecisionRejected,
		},
		{
			name:     "kg evidence only",
			plan:     &Plan{IsRelevant: true, Strategy: retrieval.Strategy{UseKG: true, KGMode: retrieval.KGModeMultiHop}},
			outcome:  ptr(withResults(0, 2)),
			want:     StatePassThrough,
			decision: DecisionPassThrough,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard()
			assert.Equal(t, StateAwaitPlan, g.State())

			_, err := g.Plan(tt.plan)
			require.NoError(t, err)
			if tt.outcome != nil {
				require.Equal(t, StateAwaitRetrieval, g.State())
				_, err = g.Outcome(*tt.outcome)
				require.NoError(t, err)
			}

			assert.Equal(t, tt.want, g.State())
			assert.True(t, g.State().Terminal())
			assert.Equal(t, tt.reason, g.Reason())
			assert.Equal(t, tt.decision, g.Decision())
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestGuardRelease(t *testing.T) {
	pass := NewGuard()
	_, err := pass.Plan(&Plan{IsRelevant: true, DirectAnswer: true})
	require.NoError(t, err)
	assert.Equal(t, "hello", pass.Release("hello"))

	reject := NewGuard()
	_, err = reject.Plan(&Plan{RejectionReason: ReasonTranslation})
	require.NoError(t, err)
	assert.Equal(t, RejectionMessage, reject.Release("bonjour"))
	assert.Equal(t, RejectionMessage, reject.Release(""))

	pending := NewGuard()
	assert.Equal(t, RejectionMessage, pending.Release("draft"))
}

func TestGuardInvalidTransitions(t *testing.T) {
	g := NewGuard()
	_, err := g.Outcome(withResults(1, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = g.Plan(&Plan{IsRelevant: true, DirectAnswer: true})
	require.NoError(t, err)

	_, err = g.Plan(&Plan{IsRelevant: true})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = g.Outcome(withResults(1, 0))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatePassThrough, g.State())
}
