package query

import (
	"context"
	"errors"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/podcast-rag/backend/internal/fusion"
	"github.com/podcast-rag/backend/internal/retrieval"
	"github.com/podcast-rag/backend/internal/storage/models"
)

var errLLMDown = errors.New("llm unavailable")

// fakeLLM answers by system prompt.
type fakeLLM struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{responses: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeLLM) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, system)
	if err := f.errs[system]; err != nil {
		return "", err
	}
	if resp, ok := f.responses[system]; ok {
		return resp, nil
	}
	return "", errLLMDown
}

func (f *fakeLLM) callCount(system string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == system {
			n++
		}
	}
	return n
}

func (f *fakeLLM) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type stubExtractor map[string][]string

func (s stubExtractor) Extract(text string) []string {
	return s[text]
}

type countingRAG struct {
	mu    sync.Mutex
	calls int
	hits  []retrieval.Hit
}

func (c *countingRAG) Search(ctx context.Context, query string, topK int) ([]retrieval.Hit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.hits, nil
}

func (c *countingRAG) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// countingKG answers by mode, or by query text when byText is set.
type countingKG struct {
	mu     sync.Mutex
	modes  []retrieval.KGMode
	hits   map[retrieval.KGMode][]retrieval.Hit
	byText map[string][]retrieval.Hit
}

func (c *countingKG) Query(ctx context.Context, req retrieval.KGRequest) ([]retrieval.Hit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modes = append(c.modes, req.Mode)
	if c.byText != nil {
		return c.byText[req.Text], nil
	}
	return c.hits[req.Mode], nil
}

func (c *countingKG) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.modes)
}

type mockSynth struct {
	mock.Mock
}

func (m *mockSynth) Answer(ctx context.Context, question string, evidence []fusion.RankedResult) (string, error) {
	args := m.Called(ctx, question, evidence)
	return args.String(0), args.Error(1)
}

func (m *mockSynth) Greet(ctx context.Context, message string) (string, error) {
	args := m.Called(ctx, message)
	return args.String(0), args.Error(1)
}

type memoryHistory struct {
	mu      sync.Mutex
	records []*models.QueryRecord
	sources map[string][]models.QuerySource
}

func (h *memoryHistory) RecordQuery(ctx context.Context, rec *models.QueryRecord, sources []models.QuerySource) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sources == nil {
		h.sources = map[string][]models.QuerySource{}
	}
	h.records = append(h.records, rec)
	h.sources[rec.ID] = sources
	return nil
}

type staticContexts map[string]ConversationContext

func (s staticContexts) GetContext(ctx context.Context, sessionID string, n int) (ConversationContext, error) {
	c := s[sessionID]
	c.SessionID = sessionID
	return c, nil
}
