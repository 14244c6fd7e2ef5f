package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/storage/models"
	"github.com/podcast-rag/backend/pkg/logger"
)

var ErrNotFound = errors.New("record not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		show TEXT,
		guests TEXT,
		source_url TEXT,
		published_at INTEGER,
		summary TEXT,
		chunk_count INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_show ON episodes(show);

	CREATE TABLE IF NOT EXISTS transcript_chunks (
		id TEXT PRIMARY KEY,
		episode_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		speaker TEXT,
		start_time TEXT,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (episode_id) REFERENCES episodes(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_episode ON transcript_chunks(episode_id);

	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		user_id TEXT,
		query_text TEXT NOT NULL,
		response TEXT,
		decision TEXT NOT NULL,
		rejection_reason TEXT,
		intent TEXT,
		complexity TEXT,
		classifier_path TEXT,
		sub_query_count INTEGER,
		store_calls INTEGER,
		failed_calls INTEGER,
		rounds INTEGER,
		rag_results_count INTEGER,
		kg_results_count INTEGER,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_session ON query_history(session_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);
	CREATE INDEX IF NOT EXISTS idx_query_decision ON query_history(decision);

	CREATE TABLE IF NOT EXISTS query_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		episode_id TEXT,
		timestamp TEXT,
		content TEXT,
		fused_score REAL,
		rank INTEGER,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_query ON query_sources(query_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		helpful INTEGER NOT NULL,
		issue_category TEXT,
		comment TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_query ON feedback(query_id);

	CREATE TABLE IF NOT EXISTS evaluation_runs (
		id TEXT PRIMARY KEY,
		dataset TEXT,
		total INTEGER NOT NULL,
		decision_correct INTEGER NOT NULL,
		intent_correct INTEGER NOT NULL,
		rejection_recall REAL,
		answer_rate REAL,
		avg_latency_ms REAL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kg_entities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		canonical_name TEXT,
		aliases TEXT,
		first_seen INTEGER NOT NULL,
		last_updated INTEGER NOT NULL,
		occurrence_count INTEGER DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_entities_type ON kg_entities(type);
	CREATE INDEX IF NOT EXISTS idx_entities_name ON kg_entities(name);

	CREATE TABLE IF NOT EXISTS kg_relations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_id TEXT NOT NULL,
		predicate TEXT NOT NULL,
		object_id TEXT NOT NULL,
		confidence REAL NOT NULL,
		source_episode_id TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (subject_id) REFERENCES kg_entities(id),
		FOREIGN KEY (object_id) REFERENCES kg_entities(id),
		FOREIGN KEY (source_episode_id) REFERENCES episodes(id)
	);
	CREATE INDEX IF NOT EXISTS idx_relations_subject ON kg_relations(subject_id);
	CREATE INDEX IF NOT EXISTS idx_relations_object ON kg_relations(object_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) UpsertEpisode(ctx context.Context, ep *models.Episode) error {
	query := `
		INSERT INTO episodes (id, title, show, guests, source_url, published_at, summary, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			show = excluded.show,
			guests = excluded.guests,
			source_url = excluded.source_url,
			published_at = excluded.published_at,
			summary = excluded.summary,
			chunk_count = excluded.chunk_count,
			updated_at = excluded.updated_at
	`

	guests, err := json.Marshal(ep.Guests)
	if err != nil {
		return fmt.Errorf("failed to marshal guests: %w", err)
	}

	var published sql.NullInt64
	if ep.PublishedAt != nil {
		published = sql.NullInt64{Int64: ep.PublishedAt.Unix(), Valid: true}
	}

	_, err = c.db.ExecContext(ctx, query,
		ep.ID,
		ep.Title,
		ep.Show,
		string(guests),
		ep.SourceURL,
		published,
		ep.Summary,
		ep.ChunkCount,
		ep.CreatedAt.Unix(),
		ep.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert episode: %w", err)
	}

	logger.Debug("Episode stored", zap.String("episode_id", ep.ID), zap.String("title", ep.Title))
	return nil
}

func (c *Client) GetEpisode(ctx context.Context, id string) (*models.Episode, error) {
	query := `SELECT id, title, show, guests, source_url, published_at, summary, chunk_count, created_at, updated_at
		FROM episodes WHERE id = ?`

	ep, err := scanEpisode(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}
	return ep, nil
}

func (c *Client) ListEpisodes(ctx context.Context, limit int) ([]models.Episode, error) {
	query := `SELECT id, title, show, guests, source_url, published_at, summary, chunk_count, created_at, updated_at
		FROM episodes ORDER BY updated_at DESC, id LIMIT ?`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	defer rows.Close()

	var episodes []models.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		episodes = append(episodes, *ep)
	}
	return episodes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEpisode(s scanner) (*models.Episode, error) {
	var (
		ep                   models.Episode
		show, url, summary   sql.NullString
		guests               sql.NullString
		published            sql.NullInt64
		createdAt, updatedAt int64
	)
	err := s.Scan(&ep.ID, &ep.Title, &show, &guests, &url, &published, &summary, &ep.ChunkCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ep.Show = show.String
	ep.SourceURL = url.String
	ep.Summary = summary.String
	if guests.Valid && guests.String != "" {
		if err := json.Unmarshal([]byte(guests.String), &ep.Guests); err != nil {
			return nil, fmt.Errorf("failed to decode guests: %w", err)
		}
	}
	if published.Valid {
		t := time.Unix(published.Int64, 0)
		ep.PublishedAt = &t
	}
	ep.CreatedAt = time.Unix(createdAt, 0)
	ep.UpdatedAt = time.Unix(updatedAt, 0)
	return &ep, nil
}

// InsertChunks replaces the stored transcript chunks of one episode.
func (c *Client) InsertChunks(ctx context.Context, episodeID string, chunks []models.TranscriptChunk) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transcript_chunks WHERE episode_id = ?`, episodeID); err != nil {
		return fmt.Errorf("failed to clear chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transcript_chunks (id, episode_id, chunk_index, speaker, start_time, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, ch := range chunks {
		if _, err := stmt.ExecContext(ctx, ch.ID, episodeID, ch.ChunkIndex, ch.Speaker, ch.StartTime, ch.Text, ch.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", ch.ID, err)
		}
	}

	return tx.Commit()
}

func (c *Client) CountChunks(ctx context.Context, episodeID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcript_chunks WHERE episode_id = ?`, episodeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// RecordQuery stores a processed query and its fused sources atomically.
func (c *Client) RecordQuery(ctx context.Context, rec *models.QueryRecord, sources []models.QuerySource) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_history (id, session_id, user_id, query_text, response, decision, rejection_reason,
			intent, complexity, classifier_path, sub_query_count, store_calls, failed_calls, rounds,
			rag_results_count, kg_results_count, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.SessionID,
		rec.UserID,
		rec.QueryText,
		rec.Response,
		rec.Decision,
		rec.RejectionReason,
		rec.Intent,
		rec.Complexity,
		rec.ClassifierPath,
		rec.SubQueryCount,
		rec.StoreCalls,
		rec.FailedCalls,
		rec.Rounds,
		rec.RAGResultsCount,
		rec.KGResultsCount,
		rec.LatencyMS,
		rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	for _, s := range sources {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO query_sources (query_id, source_type, episode_id, timestamp, content, fused_score, rank)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, s.SourceType, s.EpisodeID, s.Timestamp, s.Content, s.FusedScore, s.Rank,
		)
		if err != nil {
			return fmt.Errorf("failed to insert query source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit query record: %w", err)
	}

	logger.Debug("Query recorded",
		zap.String("query_id", rec.ID),
		zap.String("decision", rec.Decision),
		zap.Int("sources", len(sources)),
	)
	return nil
}

func (c *Client) GetQueryHistory(ctx context.Context, sessionID string, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, session_id, query_text, response, decision, rejection_reason, intent, complexity,
			rag_results_count, kg_results_count, latency_ms, created_at
		FROM query_history
		WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var (
			r                  models.QueryRecord
			response, reason   sql.NullString
			intent, complexity sql.NullString
			createdAt          int64
		)
		err := rows.Scan(&r.ID, &r.SessionID, &r.QueryText, &response, &r.Decision, &reason, &intent, &complexity,
			&r.RAGResultsCount, &r.KGResultsCount, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Response = response.String
		r.RejectionReason = reason.String
		r.Intent = intent.String
		r.Complexity = complexity.String
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) GetQuerySources(ctx context.Context, queryID string) ([]models.QuerySource, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, query_id, source_type, episode_id, timestamp, content, fused_score, rank
		FROM query_sources WHERE query_id = ? ORDER BY rank`, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get query sources: %w", err)
	}
	defer rows.Close()

	var sources []models.QuerySource
	for rows.Next() {
		var s models.QuerySource
		var episode, ts, content sql.NullString
		if err := rows.Scan(&s.ID, &s.QueryID, &s.SourceType, &episode, &ts, &content, &s.FusedScore, &s.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		s.EpisodeID = episode.String
		s.Timestamp = ts.String
		s.Content = content.String
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// DecisionCounts returns how many recorded queries ended in each decision.
func (c *Client) DecisionCounts(ctx context.Context) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT decision, COUNT(*) FROM query_history GROUP BY decision`)
	if err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var decision string
		var n int
		if err := rows.Scan(&decision, &n); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		counts[decision] = n
	}
	return counts, rows.Err()
}

func (c *Client) StoreFeedback(ctx context.Context, feedback *models.Feedback) error {
	query := `INSERT INTO feedback (query_id, helpful, issue_category, comment, created_at) VALUES (?, ?, ?, ?, ?)`

	helpful := 0
	if feedback.Helpful {
		helpful = 1
	}

	_, err := c.db.ExecContext(ctx, query,
		feedback.QueryID,
		helpful,
		feedback.IssueCategory,
		feedback.Comment,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored",
		zap.String("query_id", feedback.QueryID),
		zap.Bool("helpful", feedback.Helpful),
	)
	return nil
}

func (c *Client) InsertEvaluationRun(ctx context.Context, run *models.EvaluationRun) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO evaluation_runs (id, dataset, total, decision_correct, intent_correct, rejection_recall,
			answer_rate, avg_latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Dataset, run.Total, run.DecisionCorrect, run.IntentCorrect, run.RejectionRecall,
		run.AnswerRate, run.AverageLatencyMS, run.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation run: %w", err)
	}
	return nil
}

func (c *Client) UpsertKGEntity(ctx context.Context, entity *models.KGEntity) error {
	aliasesJSON, err := json.Marshal(entity.Aliases)
	if err != nil {
		return fmt.Errorf("failed to marshal aliases: %w", err)
	}

	query := `
		INSERT INTO kg_entities (id, name, type, canonical_name, aliases, first_seen, last_updated, occurrence_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			occurrence_count = occurrence_count + 1,
			last_updated = excluded.last_updated
	`

	_, err = c.db.ExecContext(ctx, query,
		entity.ID,
		entity.Name,
		entity.Type,
		entity.CanonicalName,
		string(aliasesJSON),
		entity.FirstSeen.Unix(),
		entity.LastUpdated.Unix(),
		entity.OccurrenceCount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert KG entity: %w", err)
	}
	return nil
}

func (c *Client) GetAllKGEntityNames(ctx context.Context, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM kg_entities ORDER BY occurrence_count DESC, name LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get entity names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (c *Client) InsertKGRelation(ctx context.Context, relation *models.KGRelation) error {
	query := `
		INSERT INTO kg_relations (subject_id, predicate, object_id, confidence, source_episode_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	var source sql.NullString
	if relation.SourceEpisodeID != "" {
		source = sql.NullString{String: relation.SourceEpisodeID, Valid: true}
	}

	_, err := c.db.ExecContext(ctx, query,
		relation.SubjectID,
		relation.Predicate,
		relation.ObjectID,
		relation.Confidence,
		source,
		relation.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert KG relation: %w", err)
	}
	return nil
}

func (c *Client) CountKG(ctx context.Context) (entities int, relations int, err error) {
	if err = c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kg_entities`).Scan(&entities); err != nil {
		return 0, 0, fmt.Errorf("failed to count entities: %w", err)
	}
	if err = c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kg_relations`).Scan(&relations); err != nil {
		return 0, 0, fmt.Errorf("failed to count relations: %w", err)
	}
	return entities, relations, nil
}
