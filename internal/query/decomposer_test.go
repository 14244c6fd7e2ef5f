package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const relationQuery = "How does meditation relate to creativity?"

func TestDecomposeSkipsSimpleQueries(t *testing.T) {
	llm := newFakeLLM()
	d := NewDecomposer(llm, 3, 0)

	got := d.Decompose(context.Background(), "What is meditation?", ComplexitySimple, nil)
	assert.False(t, got.NeedsDecomposition)
	assert.Empty(t, got.SubQueries)
	assert.Zero(t, llm.total())
}

func TestDecomposeCapsAndAppendsOriginal(t *testing.T) {
	llm := newFakeLLM()
	llm.responses[decomposerSystemPrompt] = `{"sub_queries": [
		"What is meditation?",
		"What is creativity?",
		"what is  meditation?",
		"How does meditation relate to creativity?",
		"How does focus affect creative work?",
		"What routines do artists follow?"
	]}`
	d := NewDecomposer(llm, 3, 0)

	got := d.Decompose(context.Background(), relationQuery, ComplexityComplex, []string{"meditation", "creativity"})
	require.True(t, got.NeedsDecomposition)
	assert.Equal(t, []string{
		"What is meditation?",
		"What is creativity?",
		"How does focus affect creative work?",
		relationQuery,
	}, got.SubQueries)
}

func TestDecomposeFailures(t *testing.T) {
	tests := map[string]func(*fakeLLM){
		"llm error":  func(f *fakeLLM) { f.errs[decomposerSystemPrompt] = errLLMDown },
		"empty list": func(f *fakeLLM) { f.responses[decomposerSystemPrompt] = `{"sub_queries": []}` },
		"only original": func(f *fakeLLM) {
			f.responses[decomposerSystemPrompt] = `{"sub_queries": ["how does meditation relate to creativity?"]}`
		},
		"not json": func(f *fakeLLM) { f.responses[decomposerSystemPrompt] = "sure, here you go" },
	}
	for name, setup := range tests {
		t.Run(name, func(t *testing.T) {
			llm := newFakeLLM()
			setup(llm)
			got := NewDecomposer(llm, 3, 0).Decompose(context.Background(), relationQuery, ComplexityModerate, nil)
			assert.False(t, got.NeedsDecomposition)
			assert.Empty(t, got.SubQueries)
		})
	}
}
