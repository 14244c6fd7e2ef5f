package handlers

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/query"
	"github.com/podcast-rag/backend/internal/storage/models"
	"github.com/podcast-rag/backend/pkg/logger"
)

type Pipeline interface {
	ProcessQuery(ctx context.Context, req query.Request) (*query.Response, error)
}

// SessionWriter appends answered turns to the conversation store.
type SessionWriter interface {
	AppendTurn(ctx context.Context, sessionID string, turn query.Turn) error
}

type HistoryReader interface {
	GetQueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error)
	GetQuerySources(ctx context.Context, queryID string) ([]models.QuerySource, error)
}

type QueryHandler struct {
	pipeline Pipeline
	sessions SessionWriter
	history  HistoryReader
}

func NewQueryHandler(pipeline Pipeline, sessions SessionWriter, history HistoryReader) *QueryHandler {
	return &QueryHandler{
		pipeline: pipeline,
		sessions: sessions,
		history:  history,
	}
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if q, ok := c.Locals("sanitized_query").(string); ok {
		req.Query = q
	}
	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}
	if req.SessionID == "" {
		req.SessionID = c.Get("X-Session-ID")
	}
	if req.UserID == "" {
		req.UserID = c.Get("X-User-ID")
	}

	resp, err := answer(c.UserContext(), h.pipeline, h.sessions, query.Request{
		Query:     req.Query,
		SessionID: req.SessionID,
		UserID:    req.UserID,
	})
	if err != nil {
		logger.Error("Failed to process query", zap.Error(err))
		return c.Status(statusFor(err)).JSON(errorBody(err))
	}

	return c.JSON(resp)
}

// answer runs the pipeline and records answered turns for follow-up
// resolution. Rejections are not part of the conversation.
func answer(ctx context.Context, pipeline Pipeline, sessions SessionWriter, req query.Request) (*query.Response, error) {
	resp, err := pipeline.ProcessQuery(ctx, req)
	if err != nil {
		return nil, err
	}

	if sessions != nil && req.SessionID != "" && resp.Decision == query.DecisionPassThrough {
		turn := query.Turn{Query: req.Query, Answer: resp.Answer, Entities: resp.Plan.Entities}
		if err := sessions.AppendTurn(ctx, req.SessionID, turn); err != nil {
			logger.Warn("Failed to append session turn", zap.String("session_id", req.SessionID), zap.Error(err))
		}
	}
	return resp, nil
}

func statusFor(err error) int {
	switch query.CodeOf(err) {
	case query.CodeSynthesisFailure:
		return fiber.StatusBadGateway
	case query.CodeStoreFailure:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errorBody(err error) fiber.Map {
	body := fiber.Map{"error": "Failed to process query"}
	if code := query.CodeOf(err); code != "" {
		body["code"] = code
	}
	return body
}

type historyEntry struct {
	ID              string `json:"id"`
	Query           string `json:"query"`
	Response        string `json:"response"`
	Decision        string `json:"decision"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	Intent          string `json:"intent"`
	Complexity      string `json:"complexity"`
	RAGResults      int    `json:"rag_results"`
	KGResults       int    `json:"kg_results"`
	LatencyMS       int    `json:"latency_ms"`
	CreatedAt       int64  `json:"created_at"`
}

func (h *QueryHandler) GetQueryHistory(c *fiber.Ctx) error {
	sessionID := c.Query("session_id", c.Get("X-Session-ID"))
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "session_id is required",
		})
	}
	limit, err := strconv.Atoi(c.Query("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 100",
		})
	}

	records, err := h.history.GetQueryHistory(c.UserContext(), sessionID, limit)
	if err != nil {
		logger.Error("Failed to load query history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load query history",
		})
	}

	history := make([]historyEntry, 0, len(records))
	for _, r := range records {
		history = append(history, historyEntry{
			ID:              r.ID,
			Query:           r.QueryText,
			Response:        r.Response,
			Decision:        r.Decision,
			RejectionReason: r.RejectionReason,
			Intent:          r.Intent,
			Complexity:      r.Complexity,
			RAGResults:      r.RAGResultsCount,
			KGResults:       r.KGResultsCount,
			LatencyMS:       r.LatencyMS,
			CreatedAt:       r.CreatedAt.Unix(),
		})
	}

	return c.JSON(fiber.Map{
		"session_id": sessionID,
		"history":    history,
	})
}

type sourceEntry struct {
	Source     string  `json:"source"`
	EpisodeID  string  `json:"episode_id,omitempty"`
	Timestamp  string  `json:"timestamp,omitempty"`
	Content    string  `json:"content"`
	FusedScore float64 `json:"fused_score"`
	Rank       int     `json:"rank"`
}

func (h *QueryHandler) GetQuerySources(c *fiber.Ctx) error {
	rows, err := h.history.GetQuerySources(c.UserContext(), c.Params("id"))
	if err != nil {
		logger.Error("Failed to load query sources", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load query sources",
		})
	}

	sources := make([]sourceEntry, 0, len(rows))
	for _, s := range rows {
		sources = append(sources, sourceEntry{
			Source:     s.SourceType,
			EpisodeID:  s.EpisodeID,
			Timestamp:  s.Timestamp,
			Content:    s.Content,
			FusedScore: s.FusedScore,
			Rank:       s.Rank,
		})
	}
	return c.JSON(fiber.Map{"query_id": c.Params("id"), "sources": sources})
}
