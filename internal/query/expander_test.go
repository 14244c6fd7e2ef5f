package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podcast-rag/backend/pkg/utils"
)

func TestPatternVariants(t *testing.T) {
	got := PatternVariants(relationQuery)
	assert.Equal(t, []string{
		"mindfulness relate creativity",
		"meditation relate creative process",
		"meditation relate creativity",
		"what did guests say about meditation relate creativity",
	}, got)

	assert.Empty(t, PatternVariants("what is it?"))
}

func TestExpandExcludesOriginalAndCaps(t *testing.T) {
	e := NewExpander(nil, false, 5, 0)

	got := e.Expand(context.Background(), "meditation", false)
	assert.Equal(t, []string{"mindfulness", "what did guests say about meditation"}, got)

	capped := NewExpander(nil, false, 2, 0).Expand(context.Background(), relationQuery, false)
	assert.Len(t, capped, 2)
}

func TestExpandUsesLLMOnlyWhenDetailed(t *testing.T) {
	llm := newFakeLLM()
	llm.responses[expanderSystemPrompt] = `{"variants": [
		"How does meditation relate to creativity?",
		"Does mindfulness make people more creative?",
		"does mindfulness make people  more creative?",
		"Meditation and the creative process",
		"Guests on meditation boosting imagination"
	]}`
	e := NewExpander(llm, true, 2, 0)

	got := e.Expand(context.Background(), relationQuery, true)
	assert.Equal(t, []string{
		"Does mindfulness make people more creative?",
		"Meditation and the creative process",
	}, got)
	assert.Equal(t, 1, llm.callCount(expanderSystemPrompt))

	e.Expand(context.Background(), relationQuery, false)
	assert.Equal(t, 1, llm.callCount(expanderSystemPrompt))
}

func TestExpandFallsBackToPatterns(t *testing.T) {
	llm := newFakeLLM()
	llm.errs[expanderSystemPrompt] = errLLMDown
	e := NewExpander(llm, true, 3, 0)

	got := e.Expand(context.Background(), relationQuery, true)
	require.NotEmpty(t, got)
	for _, v := range got {
		assert.NotEqual(t, utils.NormalizeText(relationQuery), utils.NormalizeText(v))
	}
	assert.Equal(t, PatternVariants(relationQuery)[:3], got)
}
