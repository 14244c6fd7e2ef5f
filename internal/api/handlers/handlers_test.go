package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podcast-rag/backend/internal/evaluation"
	"github.com/podcast-rag/backend/internal/fusion"
	"github.com/podcast-rag/backend/internal/ingestion"
	"github.com/podcast-rag/backend/internal/query"
	"github.com/podcast-rag/backend/internal/storage/models"
	"github.com/podcast-rag/backend/internal/storage/sqlite"
)

type stubPipeline struct {
	resp *query.Response
	err  error
	reqs []query.Request
}

func (p *stubPipeline) ProcessQuery(ctx context.Context, req query.Request) (*query.Response, error) {
	p.reqs = append(p.reqs, req)
	return p.resp, p.err
}

type recordingSessions struct {
	turns map[string][]query.Turn
}

func (s *recordingSessions) AppendTurn(ctx context.Context, sessionID string, turn query.Turn) error {
	if s.turns == nil {
		s.turns = map[string][]query.Turn{}
	}
	s.turns[sessionID] = append(s.turns[sessionID], turn)
	return nil
}

type stubHistory struct {
	records []models.QueryRecord
	sources []models.QuerySource
	err     error
}

func (h *stubHistory) GetQueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error) {
	return h.records, h.err
}

func (h *stubHistory) GetQuerySources(ctx context.Context, queryID string) ([]models.QuerySource, error) {
	return h.sources, h.err
}

func passThrough(answer string) *query.Response {
	return &query.Response{
		ID:       "q1",
		Query:    "How does meditation relate to creativity?",
		Answer:   answer,
		Decision: query.DecisionPassThrough,
		Plan: query.Plan{
			IsRelevant: true,
			Intent:     query.IntentRelationship,
			Entities:   []string{"meditation", "creativity"},
			SubQueries: []string{},
		},
		Outcome: fusion.Outcome{RAGResults: []fusion.RankedResult{}, KGResults: []fusion.RankedResult{}},
	}
}

func do(t *testing.T, app *fiber.App, method, path, body string, headers map[string]string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]interface{}{}
	if len(data) > 0 && data[0] == '{' {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp.StatusCode, out
}

func queryApp(p Pipeline, s SessionWriter, h HistoryReader) *fiber.App {
	qh := NewQueryHandler(p, s, h)
	app := fiber.New()
	app.Post("/api/v1/query", qh.HandleQuery)
	app.Get("/api/v1/query/history", qh.GetQueryHistory)
	app.Get("/api/v1/query/:id/sources", qh.GetQuerySources)
	return app
}

func TestHandleQueryAppendsAnsweredTurn(t *testing.T) {
	p := &stubPipeline{resp: passThrough("They say meditation frees creative thinking [1].")}
	s := &recordingSessions{}
	app := queryApp(p, s, &stubHistory{})

	status, body := do(t, app, "POST", "/api/v1/query", `{"query":"How does meditation relate to creativity?"}`,
		map[string]string{"X-Session-ID": "s1", "X-User-ID": "u1"})

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pass_through", body["decision"])
	assert.Equal(t, "They say meditation frees creative thinking [1].", body["answer"])
	require.Len(t, p.reqs, 1)
	assert.Equal(t, query.Request{Query: "How does meditation relate to creativity?", SessionID: "s1", UserID: "u1"}, p.reqs[0])
	require.Len(t, s.turns["s1"], 1)
	assert.Equal(t, []string{"meditation", "creativity"}, s.turns["s1"][0].Entities)
}

func TestHandleQueryDoesNotRecordRejections(t *testing.T) {
	resp := passThrough(query.RejectionMessage)
	resp.Decision = query.DecisionRejected
	resp.RejectionReason = "arithmetic"
	s := &recordingSessions{}
	app := queryApp(&stubPipeline{resp: resp}, s, &stubHistory{})

	status, body := do(t, app, "POST", "/api/v1/query", `{"query":"What is 2+2?","session_id":"s1"}`, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "rejected", body["decision"])
	assert.Empty(t, s.turns)
}

func TestHandleQueryErrors(t *testing.T) {
	app := queryApp(&stubPipeline{}, nil, &stubHistory{})
	status, _ := do(t, app, "POST", "/api/v1/query", `{"session_id":"s1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	synth := &query.PipelineError{Code: query.CodeSynthesisFailure, Stage: "synthesis", Message: "boom"}
	app = queryApp(&stubPipeline{err: synth}, nil, &stubHistory{})
	status, body := do(t, app, "POST", "/api/v1/query", `{"query":"What is meditation?"}`, nil)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "SYNTHESIS_FAILURE", body["code"])

	app = queryApp(&stubPipeline{err: errors.New("retrieval failed")}, nil, &stubHistory{})
	status, body = do(t, app, "POST", "/api/v1/query", `{"query":"What is meditation?"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.NotContains(t, body, "code")
}

func TestGetQueryHistory(t *testing.T) {
	h := &stubHistory{records: []models.QueryRecord{{
		ID: "q1", QueryText: "Hi", Response: "Hello!", Decision: "pass_through",
		Intent: "greeting", Complexity: "simple", CreatedAt: time.Unix(1700000000, 0),
	}}}
	app := queryApp(&stubPipeline{}, nil, h)

	status, body := do(t, app, "GET", "/api/v1/query/history?session_id=s1", "", nil)
	require.Equal(t, http.StatusOK, status)
	history := body["history"].([]interface{})
	require.Len(t, history, 1)
	assert.Equal(t, "Hi", history[0].(map[string]interface{})["query"])
	assert.Equal(t, float64(1700000000), history[0].(map[string]interface{})["created_at"])

	status, _ = do(t, app, "GET", "/api/v1/query/history", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = do(t, app, "GET", "/api/v1/query/history?session_id=s1&limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGetQuerySources(t *testing.T) {
	h := &stubHistory{sources: []models.QuerySource{{QueryID: "q1", SourceType: "rag", EpisodeID: "ep12", Content: "c", FusedScore: 0.03, Rank: 1}}}
	app := queryApp(&stubPipeline{}, nil, h)

	status, body := do(t, app, "GET", "/api/v1/query/q1/sources", "", nil)
	require.Equal(t, http.StatusOK, status)
	sources := body["sources"].([]interface{})
	require.Len(t, sources, 1)
	assert.Equal(t, "ep12", sources[0].(map[string]interface{})["episode_id"])
}

type stubIngestor struct {
	in  ingestion.EpisodeInput
	err error
}

func (s *stubIngestor) ProcessEpisode(ctx context.Context, in ingestion.EpisodeInput) (*ingestion.Result, error) {
	s.in = in
	if s.err != nil {
		return nil, s.err
	}
	return &ingestion.Result{EpisodeID: "ep12", Title: in.Title, Chunks: 4}, nil
}

type stubCatalog struct{ episodes []models.Episode }

func (s *stubCatalog) ListEpisodes(ctx context.Context, limit int) ([]models.Episode, error) {
	return s.episodes, nil
}

func (s *stubCatalog) GetEpisode(ctx context.Context, id string) (*models.Episode, error) {
	for _, ep := range s.episodes {
		if ep.ID == id {
			return &ep, nil
		}
	}
	return nil, sqlite.ErrNotFound
}

func episodeApp(i Ingestor, c EpisodeCatalog) *fiber.App {
	eh := NewEpisodeHandler(i, c)
	app := fiber.New()
	app.Post("/api/v1/episodes", eh.IngestEpisode)
	app.Get("/api/v1/episodes", eh.ListEpisodes)
	app.Get("/api/v1/episodes/:id", eh.GetEpisode)
	return app
}

func TestEpisodeHandler(t *testing.T) {
	ing := &stubIngestor{}
	app := episodeApp(ing, &stubCatalog{episodes: []models.Episode{{ID: "ep12", Title: "Quiet Minds", ChunkCount: 4}}})

	status, body := do(t, app, "POST", "/api/v1/episodes", `{"title":"Quiet Minds","guests":["Dr. Lee"],"transcript":"Host: hi"}`, nil)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "ep12", body["episode_id"])
	assert.Equal(t, []string{"Dr. Lee"}, ing.in.Guests)

	status, _ = do(t, app, "POST", "/api/v1/episodes", `{"title":"Quiet Minds"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, app, "GET", "/api/v1/episodes", "", nil)
	require.Equal(t, http.StatusOK, status)
	episodes := body["episodes"].([]interface{})
	require.Len(t, episodes, 1)
	assert.Equal(t, []interface{}{}, episodes[0].(map[string]interface{})["guests"])

	status, body = do(t, app, "GET", "/api/v1/episodes/ep12", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Quiet Minds", body["title"])

	status, _ = do(t, app, "GET", "/api/v1/episodes/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEpisodeHandlerEmptyTranscript(t *testing.T) {
	app := episodeApp(&stubIngestor{err: ingestion.ErrEmptyTranscript}, &stubCatalog{})
	status, _ := do(t, app, "POST", "/api/v1/episodes", `{"transcript":"<p></p>"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

type recordingFeedback struct{ got []*models.Feedback }

func (r *recordingFeedback) StoreFeedback(ctx context.Context, fb *models.Feedback) error {
	r.got = append(r.got, fb)
	return nil
}

func TestSubmitFeedback(t *testing.T) {
	store := &recordingFeedback{}
	app := fiber.New()
	app.Post("/api/v1/feedback", NewFeedbackHandler(store).SubmitFeedback)

	status, _ := do(t, app, "POST", "/api/v1/feedback", `{"query_id":"q1","helpful":false,"issue_category":"wrong_rejection"}`, nil)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, store.got, 1)
	assert.False(t, store.got[0].Helpful)

	status, _ = do(t, app, "POST", "/api/v1/feedback", `{"query_id":"q1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, "POST", "/api/v1/feedback", `{"query_id":"q1","helpful":true,"issue_category":"rude"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Len(t, store.got, 1)
}

type stubRunner struct{ ds *evaluation.Dataset }

func (s *stubRunner) Run(ctx context.Context, ds *evaluation.Dataset) (*evaluation.Report, error) {
	s.ds = ds
	return &evaluation.Report{ID: "run1", Dataset: ds.Name, Total: len(ds.Items), DecisionAccuracy: 1}, nil
}

type stubCounter map[string]int

func (s stubCounter) DecisionCounts(ctx context.Context) (map[string]int, error) {
	return s, nil
}

func TestEvaluationHandler(t *testing.T) {
	runner := &stubRunner{}
	eh := NewEvaluationHandler(runner, stubCounter{"pass_through": 3, "rejected": 2})
	app := fiber.New()
	app.Post("/api/v1/evaluate", eh.RunEvaluation)
	app.Get("/api/v1/stats", eh.GetStats)

	status, body := do(t, app, "POST", "/api/v1/evaluate",
		`{"name":"smoke","items":[{"query":"Hi","expected_decision":"pass_through"}]}`, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "run1", body["id"])
	assert.Equal(t, "smoke", runner.ds.Name)

	status, _ = do(t, app, "POST", "/api/v1/evaluate", `{"items":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, app, "POST", "/api/v1/evaluate", `{"items":[{"query":"Hi","expected_decision":"maybe"}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, app, "GET", "/api/v1/stats", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(5), body["total"])
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

func TestHealthHandler(t *testing.T) {
	healthy := NewHealthHandler(map[string]Pinger{"sqlite": pinger{}, "redis": pinger{}})
	broken := NewHealthHandler(map[string]Pinger{"sqlite": pinger{}, "neo4j": pinger{err: errors.New("connection refused")}})

	app := fiber.New()
	app.Get("/health", healthy.Health)
	app.Get("/ready", healthy.Ready)
	app.Get("/ready-broken", broken.Ready)

	status, body := do(t, app, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = do(t, app, "GET", "/ready", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]interface{}{"sqlite": "ok", "redis": "ok"}, body["checks"])

	status, body = do(t, app, "GET", "/ready-broken", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "connection refused", body["checks"].(map[string]interface{})["neo4j"])
}

type captureWriter struct{ msgs []map[string]interface{} }

func (w *captureWriter) WriteJSON(v interface{}) error {
	w.msgs = append(w.msgs, v.(map[string]interface{}))
	return nil
}

func TestStreamResponse(t *testing.T) {
	s := &recordingSessions{}
	h := NewWebSocketHandler(&stubPipeline{resp: passThrough("Meditation helps.\nSee [1].")}, s, 0)
	w := &captureWriter{}

	err := h.streamResponse(context.Background(), w, query.Request{Query: "q", SessionID: "s1"})
	require.NoError(t, err)

	var chunks []string
	for _, m := range w.msgs {
		if m["type"] == "chunk" {
			chunks = append(chunks, m["content"].(string))
		}
	}
	assert.Equal(t, "status", w.msgs[0]["type"])
	assert.Equal(t, []string{"Meditation ", "helps. ", "\n", "See ", "[1]."}, chunks)
	last := w.msgs[len(w.msgs)-1]
	assert.Equal(t, "complete", last["type"])
	assert.Equal(t, query.DecisionPassThrough, last["decision"])
	assert.Len(t, s.turns["s1"], 1)
}

func TestStreamResponseError(t *testing.T) {
	h := NewWebSocketHandler(&stubPipeline{err: &query.PipelineError{Code: query.CodeStoreFailure}}, nil, 0)
	w := &captureWriter{}

	err := h.streamResponse(context.Background(), w, query.Request{Query: "q"})
	require.Error(t, err)
	h.sendError(w, err)
	last := w.msgs[len(w.msgs)-1]
	assert.Equal(t, "error", last["type"])
	assert.Equal(t, query.CodeStoreFailure, last["code"])
}

func TestSplitIntoWords(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "\n", "c"}, splitIntoWords("a  b\nc"))
	assert.Empty(t, splitIntoWords(""))
}
