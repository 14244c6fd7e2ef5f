package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/query"
	"github.com/podcast-rag/backend/pkg/logger"
)

type jsonWriter interface {
	WriteJSON(v interface{}) error
}

type WebSocketHandler struct {
	pipeline Pipeline
	sessions SessionWriter
	timeout  time.Duration
}

func NewWebSocketHandler(pipeline Pipeline, sessions SessionWriter, timeout time.Duration) *WebSocketHandler {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WebSocketHandler{
		pipeline: pipeline,
		sessions: sessions,
		timeout:  timeout,
	}
}

type wsMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	sessionID := c.Query("session_id")

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "query" || msg.Content == "" {
			continue
		}
		if msg.SessionID == "" {
			msg.SessionID = sessionID
		}

		logger.Info("Processing WebSocket query", zap.String("query", msg.Content))

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		err := h.streamResponse(ctx, c, query.Request{Query: msg.Content, SessionID: msg.SessionID, UserID: msg.UserID})
		cancel()
		if err != nil {
			logger.Error("Failed to stream response", zap.Error(err))
			h.sendError(c, err)
		}
	}
}

func (h *WebSocketHandler) streamResponse(ctx context.Context, w jsonWriter, req query.Request) error {
	if err := sendChunk(w, "status", "Processing query..."); err != nil {
		return err
	}

	resp, err := answer(ctx, h.pipeline, h.sessions, req)
	if err != nil {
		return err
	}

	words := splitIntoWords(resp.Answer)
	for i, word := range words {
		chunk := word
		if i < len(words)-1 && word != "\n" {
			chunk += " "
		}
		if err := sendChunk(w, "chunk", chunk); err != nil {
			return err
		}
	}

	return w.WriteJSON(map[string]interface{}{
		"type":             "complete",
		"message_id":       resp.ID,
		"decision":         resp.Decision,
		"rejection_reason": resp.RejectionReason,
		"plan":             resp.Plan,
		"sources":          resp.Outcome,
		"latency_ms":       resp.LatencyMS,
	})
}

func sendChunk(w jsonWriter, msgType, content string) error {
	return w.WriteJSON(map[string]interface{}{
		"type":    msgType,
		"content": content,
	})
}

func (h *WebSocketHandler) sendError(w jsonWriter, err error) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": "Failed to process query",
	}
	if code := query.CodeOf(err); code != "" {
		msg["code"] = code
	}
	if werr := w.WriteJSON(msg); werr != nil {
		logger.Debug("Failed to send websocket error", zap.Error(werr))
	}
}

func splitIntoWords(text string) []string {
	words := []string{}
	currentWord := ""

	for _, char := range text {
		if char == ' ' || char == '\n' {
			if currentWord != "" {
				words = append(words, currentWord)
				currentWord = ""
			}
			if char == '\n' {
				words = append(words, "\n")
			}
		} else {
			currentWord += string(char)
		}
	}

	if currentWord != "" {
		words = append(words, currentWord)
	}

	return words
}
