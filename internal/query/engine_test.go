package query

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/podcast-rag/backend/internal/fusion"
	"github.com/podcast-rag/backend/internal/retrieval"
)

type engineFixture struct {
	llm     *fakeLLM
	rag     *countingRAG
	kg      *countingKG
	synth   *mockSynth
	history *memoryHistory
	engine  *Engine
}

func newEngineFixture(t *testing.T, entities stubExtractor, contexts ContextStore) *engineFixture {
	t.Helper()

	f := &engineFixture{
		llm:     newFakeLLM(),
		rag:     &countingRAG{},
		kg:      &countingKG{hits: map[retrieval.KGMode][]retrieval.Hit{}},
		synth:   &mockSynth{},
		history: &memoryHistory{},
	}

	fuser, err := fusion.NewFuser(fusion.Config{Strategy: "hybrid"})
	require.NoError(t, err)

	expander := NewExpander(f.llm, true, 3, 0)
	f.engine = NewEngine(Deps{
		Contexts:    contexts,
		Resolver:    NewResolver(f.llm, entities, 3, 0),
		Classifier:  NewClassifier(f.llm, 0),
		Decomposer:  NewDecomposer(f.llm, 3, 0),
		Retriever:   retrieval.NewOrchestrator(f.rag, f.kg, expander, retrieval.DefaultConfig()),
		Fuser:       fuser,
		Synthesizer: f.synth,
		History:     f.history,
	})
	return f
}

func TestEngineGreeting(t *testing.T) {
	f := newEngineFixture(t, stubExtractor{}, nil)
	f.synth.On("Greet", mock.Anything, "Hi").Return("Hey! What would you like to know about the show?", nil)

	resp, err := f.engine.ProcessQuery(context.Background(), Request{Query: "Hi", SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, DecisionPassThrough, resp.Decision)
	assert.Equal(t, "Hey! What would you like to know about the show?", resp.Answer)
	assert.Equal(t, IntentGreeting, resp.Plan.Intent)
	assert.True(t, resp.Plan.DirectAnswer)
	assert.True(t, resp.Plan.Strategy.None())
	assert.Zero(t, f.rag.count())
	assert.Zero(t, f.kg.count())
	assert.Zero(t, f.llm.total())
	f.synth.AssertNotCalled(t, "Answer", mock.Anything, mock.Anything, mock.Anything)
}

func TestEngineGreetingFallback(t *testing.T) {
	f := newEngineFixture(t, stubExtractor{}, nil)
	f.synth.On("Greet", mock.Anything, mock.Anything).Return("", errors.New("timeout"))

	resp, err := f.engine.ProcessQuery(context.Background(), Request{Query: "hello"})
	require.NoError(t, err)
	assert.Equal(t, GreetingMessage, resp.Answer)
	assert.Equal(t, DecisionPassThrough, resp.Decision)
}

func TestEngineOutOfScope(t *testing.T) {
	f := newEngineFixture(t, stubExtractor{}, nil)

	resp, err := f.engine.ProcessQuery(context.Background(), Request{Query: "What is 2+2?", SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, DecisionRejected, resp.Decision)
	assert.Equal(t, ReasonArithmetic, resp.RejectionReason)
	assert.Equal(t, RejectionMessage, resp.Answer)
	assert.False(t, resp.Plan.IsRelevant)
	assert.Empty(t, resp.Plan.SubQueries)
	assert.True(t, resp.Plan.Strategy.None())
	assert.Zero(t, f.rag.count())
	assert.Zero(t, f.kg.count())
	assert.Zero(t, f.llm.total())
	f.synth.AssertNotCalled(t, "Answer", mock.Anything, mock.Anything, mock.Anything)
	f.synth.AssertNotCalled(t, "Greet", mock.Anything, mock.Anything)
}

func TestEngineRejectsWhenStoresAreEmpty(t *testing.T) {
	f := newEngineFixture(t, stubExtractor{"What is meditation?": {"meditation"}}, nil)

	resp, err := f.engine.ProcessQuery(context.Background(), Request{Query: "What is meditation?", SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, DecisionRejected, resp.Decision)
	assert.Equal(t, ReasonNoEvidence, resp.RejectionReason)
	assert.Equal(t, RejectionMessage, resp.Answer)
	assert.True(t, resp.Plan.IsRelevant)
	assert.Equal(t, IntentDefinition, resp.Plan.Intent)
	assert.Positive(t, f.rag.count())
	assert.Positive(t, f.kg.count())
	assert.True(t, resp.Outcome.Empty())
	f.synth.AssertNotCalled(t, "Answer", mock.Anything, mock.Anything, mock.Anything)

	require.Len(t, f.history.records, 1)
	assert.Equal(t, "rejected", f.history.records[0].Decision)
	assert.Equal(t, ReasonNoEvidence, f.history.records[0].RejectionReason)
}

func TestEngineRelationshipQuery(t *testing.T) {
	f := newEngineFixture(t, stubExtractor{relationQuery: {"meditation", "creativity"}}, nil)
	f.llm.responses[classifierSystemPrompt] = `{"is_relevant": true, "intent": "relationship", "complexity": "complex"}`
	f.llm.responses[decomposerSystemPrompt] = `{"sub_queries": ["What do guests say meditation does?", "What habits support creativity?"]}`
	f.rag.hits = []retrieval.Hit{
		{Content: "Meditation quiets the inner critic so ideas can surface.", Score: 0.9,
			Provenance: retrieval.Provenance{"episode_id": "ep12", "timestamp": "00:14:05"}},
		{Content: "Most of my best ideas come on long walks.", Score: 0.7,
			Provenance: retrieval.Provenance{"episode_id": "ep31", "timestamp": "01:02:10"}},
	}
	f.kg.byText = map[string][]retrieval.Hit{
		"What do guests say meditation does?": {
			{Content: "meditation -[IMPROVES]-> focus", Score: 1,
				Provenance: retrieval.Provenance{"path": "meditation>focus", "episode_id": "ep12"}},
		},
		"What habits support creativity?": {
			{Content: "walking -[SUPPORTS]-> creativity", Score: 0.8,
				Provenance: retrieval.Provenance{"path": "walking>creativity", "episode_id": "ep31"}},
		},
	}
	f.synth.On("Answer", mock.Anything, relationQuery, mock.Anything).
		Return("Guests link meditation to creativity through improved focus.", nil)

	resp, err := f.engine.ProcessQuery(context.Background(), Request{Query: relationQuery, SessionID: "s2", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, DecisionPassThrough, resp.Decision)
	assert.Equal(t, "Guests link meditation to creativity through improved focus.", resp.Answer)
	assert.Contains(t, []Complexity{ComplexityModerate, ComplexityComplex}, resp.Plan.Complexity)
	assert.Equal(t, IntentRelationship, resp.Plan.Intent)
	assert.True(t, resp.Plan.Strategy.UseKG)
	assert.Equal(t, retrieval.KGModeMultiHop, resp.Plan.Strategy.KGMode)
	assert.True(t, resp.Plan.NeedsDecomposition)
	require.NotEmpty(t, resp.Plan.SubQueries)
	assert.Equal(t, relationQuery, resp.Plan.SubQueries[len(resp.Plan.SubQueries)-1])
	assert.Positive(t, resp.Outcome.KGCount)
	assert.Positive(t, resp.Outcome.RAGCount)
	assert.Equal(t, []retrieval.KGMode{retrieval.KGModeMultiHop}, uniqueModes(f.kg.modes))

	decomposed := resp.Plan.SubQueries[:len(resp.Plan.SubQueries)-1]
	fromSubQuery := false
	for _, r := range resp.Outcome.KGResults {
		assert.Equal(t, retrieval.SourceKG, r.Source)
		if assert.Contains(t, decomposed, r.OriginQuery) {
			fromSubQuery = true
		}
	}
	assert.True(t, fromSubQuery)

	f.synth.AssertExpectations(t)
	evidence := f.synth.Calls[0].Arguments.Get(2).([]fusion.RankedResult)
	assert.Len(t, evidence, resp.Outcome.RAGCount+resp.Outcome.KGCount)

	require.Len(t, f.history.records, 1)
	rec := f.history.records[0]
	assert.Equal(t, "pass_through", rec.Decision)
	assert.Equal(t, "relationship", rec.Intent)
	assert.Equal(t, PathLLM, rec.ClassifierPath)
	assert.Equal(t, "u1", rec.UserID)
	sources := f.history.sources[rec.ID]
	require.Len(t, sources, len(evidence))
	assert.Equal(t, 1, sources[0].Rank)
	assert.Equal(t, "ep12", sources[0].EpisodeID)
}

func TestEngineFollowUpUsesContext(t *testing.T) {
	contexts := staticContexts{"s3": {Turns: []Turn{{
		Query:    "Who is Matthew Walker?",
		Answer:   "A sleep scientist.",
		Entities: []string{"Matthew Walker"},
	}}}}
	f := newEngineFixture(t, stubExtractor{}, contexts)
	f.rag.hits = []retrieval.Hit{{Content: "Walker recommends a fixed wake time.", Score: 0.8}}
	f.kg.hits[retrieval.KGModeEntityCentric] = []retrieval.Hit{{Content: "Matthew Walker -[STUDIES]-> sleep", Score: 1}}
	f.llm.responses[classifierSystemPrompt] = `{"is_relevant": true, "intent": "factual", "complexity": "simple"}`
	f.synth.On("Answer", mock.Anything, mock.Anything, mock.Anything).Return("Keep a fixed wake time.", nil)

	resp, err := f.engine.ProcessQuery(context.Background(), Request{Query: "What does he recommend?", SessionID: "s3"})
	require.NoError(t, err)

	assert.True(t, resp.Plan.IsFollowUp)
	assert.Equal(t, []string{"Matthew Walker"}, resp.Plan.Entities)
	assert.Equal(t, retrieval.KGModeEntityCentric, resp.Plan.Strategy.KGMode)
	assert.Equal(t, DecisionPassThrough, resp.Decision)
}

func TestEngineSynthesisFailure(t *testing.T) {
	f := newEngineFixture(t, stubExtractor{}, nil)
	f.rag.hits = []retrieval.Hit{{Content: "Meditation is attention training.", Score: 0.8}}
	f.synth.On("Answer", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("model overloaded"))

	_, err := f.engine.ProcessQuery(context.Background(), Request{Query: "What is meditation?"})
	require.Error(t, err)
	assert.Equal(t, CodeSynthesisFailure, CodeOf(err))
	assert.Empty(t, f.history.records)
}

func TestBuildPlanNeverTouchesStores(t *testing.T) {
	f := newEngineFixture(t, stubExtractor{relationQuery: {"meditation", "creativity"}}, nil)
	f.llm.responses[classifierSystemPrompt] = `{"is_relevant": true, "intent": "relationship", "complexity": "moderate"}`

	plan, cls := f.engine.BuildPlan(context.Background(), relationQuery, ConversationContext{})
	require.NoError(t, plan.Validate())
	assert.Equal(t, PathLLM, cls.Path)
	assert.False(t, plan.NeedsDecomposition)
	assert.Empty(t, plan.SubQueries)
	assert.Zero(t, f.rag.count())
	assert.Zero(t, f.kg.count())
}

func uniqueModes(modes []retrieval.KGMode) []retrieval.KGMode {
	seen := map[retrieval.KGMode]bool{}
	var out []retrieval.KGMode
	for _, m := range modes {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
