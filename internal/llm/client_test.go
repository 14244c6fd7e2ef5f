package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podcast-rag/backend/internal/fusion"
	"github.com/podcast-rag/backend/internal/retrieval"
)

func chatServer(t *testing.T, status int, content string, seen *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if seen != nil {
			seen.Store(string(body))
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
			return
		}
		resp := map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient(baseURL string) *Client {
	c := NewClient(Config{
		APIKey:  "test",
		BaseURL: baseURL + "/v1",
		Model:   "gpt-4o-mini",
		Timeout: 2 * time.Second,
	})
	c.retryConfig.InitialDelay = time.Millisecond
	c.retryConfig.MaxDelay = time.Millisecond
	c.tokens = approxCounter()
	return c
}

func approxCounter() *TokenCounter {
	tc := &TokenCounter{}
	tc.once.Do(func() {})
	return tc
}

func TestCompleteJSONRequestsJSONFormat(t *testing.T) {
	var seen atomic.Value
	srv := chatServer(t, http.StatusOK, `{"is_relevant": true}`, &seen)
	c := testClient(srv.URL)

	out, err := c.CompleteJSON(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"is_relevant": true}`, out)

	body := seen.Load().(string)
	assert.Contains(t, body, `"json_object"`)
	assert.Contains(t, body, `"gpt-4o-mini"`)
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()
	c := testClient(srv.URL)

	_, err := c.CompleteJSON(context.Background(), "system", "user")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"upstream","type":"server_error"}}`)
	}))
	defer srv.Close()
	c := testClient(srv.URL)

	_, err := c.CompleteJSON(context.Background(), "system", "user")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAnswerIncludesNumberedEvidence(t *testing.T) {
	var seen atomic.Value
	srv := chatServer(t, http.StatusOK, "  Guests tie meditation to focus [1].  ", &seen)
	c := testClient(srv.URL)

	evidence := []fusion.RankedResult{
		{Item: retrieval.Item{Source: retrieval.SourceRAG, Content: "Meditation trains attention.",
			Provenance: []retrieval.Provenance{{"episode_id": "ep12", "timestamp": "00:14:05", "speaker": "Andrew"}}}, Rank: 1},
		{Item: retrieval.Item{Source: retrieval.SourceKG, Content: "meditation -[IMPROVES]-> focus"}, Rank: 2},
	}
	answer, err := c.Answer(context.Background(), "How does meditation help?", evidence)
	require.NoError(t, err)
	assert.Equal(t, "Guests tie meditation to focus [1].", answer)

	body := seen.Load().(string)
	assert.Contains(t, body, "[1] (transcript, episode ep12, Andrew, at 00:14:05) Meditation trains attention.")
	assert.Contains(t, body, "[2] (graph fact) meditation -[IMPROVES]-> focus")
	assert.NotContains(t, body, "json_object")
}

func TestBuildEvidenceRespectsBudget(t *testing.T) {
	evidence := []fusion.RankedResult{
		{Item: retrieval.Item{Content: strings.Repeat("a", 40)}},
		{Item: retrieval.Item{Content: strings.Repeat("b", 40)}},
		{Item: retrieval.Item{Content: strings.Repeat("c", 40)}},
	}
	count := func(s string) int { return len(s) }

	block, used := buildEvidence(evidence, 130, count)
	assert.Equal(t, 2, used)
	assert.Contains(t, block, "[2]")
	assert.NotContains(t, block, "ccc")

	_, used = buildEvidence(evidence, 10, count)
	assert.Zero(t, used)

	_, used = buildEvidence(evidence, 0, count)
	assert.Equal(t, 3, used)
}

func TestApproxTokens(t *testing.T) {
	assert.Equal(t, 0, approxTokens(""))
	assert.Equal(t, 1, approxTokens("abc"))
	assert.Equal(t, 3, approxTokens("meditation!"))
	assert.Equal(t, 3, approxCounter().Count("meditation!"))
}

func TestParseEntityExtractions(t *testing.T) {
	content := "```json\n" + `{"entities": [
		{"name": "Andrew Huberman", "type": "Person", "confidence": 0.95},
		{"name": "andrew huberman", "type": "person"},
		{"name": "Non-sleep deep rest", "type": "practice", "confidence": 1.4},
		{"name": "dopamine", "type": "molecule"},
		{"name": "", "type": "topic"}
	]}` + "\n```"

	got := parseEntityExtractions(content)
	assert.Equal(t, []EntityExtraction{
		{Name: "Andrew Huberman", Type: "person", Confidence: 0.95},
		{Name: "Non-sleep deep rest", Type: "practice", Confidence: 1},
		{Name: "dopamine", Type: "concept", Confidence: 0.5},
	}, got)

	assert.Empty(t, parseEntityExtractions("no entities here"))
	assert.Len(t, parseEntityExtractions(`[{"name": "sleep", "type": "topic"}]`), 1)
}

func TestParseRelationExtractions(t *testing.T) {
	content := `{"relations": [
		{"subject": "meditation", "predicate": "improves", "object": "focus", "confidence": 0.8},
		{"subject": "sleep", "predicate": "is linked to", "object": "mood"},
		{"subject": "focus", "predicate": "IMPROVES", "object": "Focus"},
		{"subject": "", "predicate": "CAUSES", "object": "stress"}
	]}`

	got := parseRelationExtractions(content)
	assert.Equal(t, []RelationExtraction{
		{Subject: "meditation", Predicate: "IMPROVES", Object: "focus", Confidence: 0.8},
		{Subject: "sleep", Predicate: "RELATED_TO", Object: "mood", Confidence: 0.5},
	}, got)
}

func TestParseEvaluationScore(t *testing.T) {
	got := parseEvaluationScore(`{"relevance": 3, "accuracy": 2.5, "completeness": 1, "citations": 3,
		"classification": "fully_relevant", "reasoning": "cites the episode"}`)
	assert.Equal(t, &EvaluationScore{
		Relevance: 3, Accuracy: 2.5, Completeness: 1, Citations: 3,
		Classification: "fully_relevant", Reasoning: "cites the episode",
	}, got)

	fallback := parseEvaluationScore("great answer!")
	assert.Equal(t, "moderate", fallback.Classification)
	assert.Equal(t, 2.0, fallback.Relevance)
}
