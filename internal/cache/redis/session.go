package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/query"
	"github.com/podcast-rag/backend/pkg/logger"
)

// SessionStore keeps the recent turns of each conversation in a capped list
// that expires after a period of inactivity.
type SessionStore struct {
	c        *Client
	maxTurns int
	ttl      time.Duration
}

func NewSessionStore(c *Client, maxTurns int, ttl time.Duration) *SessionStore {
	if maxTurns <= 0 {
		maxTurns = 10
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionStore{c: c, maxTurns: maxTurns, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID + ":turns"
}

// AppendTurn records a completed exchange and refreshes the session TTL.
func (s *SessionStore) AppendTurn(ctx context.Context, sessionID string, turn query.Turn) error {
	if sessionID == "" {
		return nil
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	key := sessionKey(sessionID)
	pipe := s.c.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-s.maxTurns), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// GetContext implements query.ContextStore. Turns are returned oldest first.
func (s *SessionStore) GetContext(ctx context.Context, sessionID string, n int) (query.ConversationContext, error) {
	conv := query.ConversationContext{SessionID: sessionID}
	if sessionID == "" || n <= 0 {
		return conv, nil
	}

	raw, err := s.c.client.LRange(ctx, sessionKey(sessionID), int64(-n), -1).Result()
	if err != nil {
		return conv, fmt.Errorf("failed to load session: %w", err)
	}

	for _, item := range raw {
		var t query.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			logger.Warn("Skipping corrupt session turn", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		conv.Turns = append(conv.Turns, t)
	}
	return conv, nil
}

func (s *SessionStore) Clear(ctx context.Context, sessionID string) error {
	return s.c.client.Del(ctx, sessionKey(sessionID)).Err()
}
