package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/metrics"
	"github.com/podcast-rag/backend/internal/retrieval"
	"github.com/podcast-rag/backend/pkg/circuitbreaker"
	"github.com/podcast-rag/backend/pkg/logger"
	"github.com/podcast-rag/backend/pkg/retry"
)

type Config struct {
	URI      string
	Username string
	Password string
	Database string
	MaxHops  int
}

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	maxHops     int
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type Entity struct {
	ID            string
	Name          string
	Type          string
	CanonicalName string
}

type Relation struct {
	SubjectID  string
	Predicate  string
	ObjectID   string
	Confidence float64
	EpisodeID  string
}

type Episode struct {
	ID    string
	Title string
	Show  string
}

func NewClient(cfg Config) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	if cfg.Database == "" {
		cfg.Database = "neo4j"
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 3
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
		},
		Logger: logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized",
		zap.String("uri", cfg.URI),
		zap.String("database", cfg.Database),
		zap.Int("max_hops", cfg.MaxHops),
	)

	return &Client{
		driver:      driver,
		database:    cfg.Database,
		maxHops:     cfg.MaxHops,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, mode neo4j.AccessMode, operation func(neo4j.SessionWithContext) error) error {
	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database, AccessMode: mode})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

func (c *Client) write(ctx context.Context, query string, params map[string]any) error {
	return c.executeWithRetry(ctx, neo4j.AccessModeWrite, func(session neo4j.SessionWithContext) error {
		result, err := session.Run(ctx, query, params)
		if err != nil {
			return err
		}
		_, err = result.Consume(ctx)
		return err
	})
}

// EnsureSchema creates the uniqueness constraints the graph relies on.
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT episode_id IF NOT EXISTS FOR (ep:Episode) REQUIRE ep.id IS UNIQUE`,
		`CREATE INDEX entity_name IF NOT EXISTS FOR (e:Entity) ON (e.name)`,
	} {
		if err := c.write(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to ensure kg schema: %w", err)
		}
	}
	return nil
}

func (c *Client) UpsertEpisode(ctx context.Context, ep *Episode) error {
	query := `
		MERGE (ep:Episode {id: $id})
		SET ep.title = $title,
		    ep.show = $show,
		    ep.updated_at = timestamp()
	`
	if err := c.write(ctx, query, map[string]any{"id": ep.ID, "title": ep.Title, "show": ep.Show}); err != nil {
		return fmt.Errorf("failed to upsert episode: %w", err)
	}
	return nil
}

func (c *Client) CreateEntity(ctx context.Context, entity *Entity) error {
	query := `
		MERGE (e:Entity {id: $id})
		ON CREATE SET e.created_at = timestamp()
		SET e.name = $name,
		    e.type = $type,
		    e.canonical_name = $canonical_name
	`

	err := c.write(ctx, query, map[string]any{
		"id":             entity.ID,
		"name":           entity.Name,
		"type":           entity.Type,
		"canonical_name": entity.CanonicalName,
	})
	if err != nil {
		return fmt.Errorf("failed to create entity: %w", err)
	}

	logger.Debug("Entity created in KG", zap.String("entity_id", entity.ID), zap.String("name", entity.Name))

	return nil
}

// LinkMention records that an episode discusses an entity.
func (c *Client) LinkMention(ctx context.Context, episodeID, entityID string) error {
	query := `
		MATCH (ep:Episode {id: $episode_id})
		MATCH (e:Entity {id: $entity_id})
		MERGE (ep)-[m:MENTIONS]->(e)
		ON CREATE SET m.count = 0
		SET m.count = m.count + 1
	`
	if err := c.write(ctx, query, map[string]any{"episode_id": episodeID, "entity_id": entityID}); err != nil {
		return fmt.Errorf("failed to link mention: %w", err)
	}
	return nil
}

func (c *Client) CreateRelation(ctx context.Context, relation *Relation) error {
	query := `
		MATCH (s:Entity {id: $subject_id})
		MATCH (o:Entity {id: $object_id})
		MERGE (s)-[r:RELATES {type: $predicate}]->(o)
		SET r.confidence = CASE WHEN r.confidence IS NULL OR r.confidence < $confidence THEN $confidence ELSE r.confidence END,
		    r.episodes = CASE WHEN $episode_id IN coalesce(r.episodes, []) THEN r.episodes ELSE coalesce(r.episodes, []) + $episode_id END,
		    r.updated_at = timestamp()
	`

	err := c.write(ctx, query, map[string]any{
		"subject_id": relation.SubjectID,
		"object_id":  relation.ObjectID,
		"predicate":  relation.Predicate,
		"confidence": relation.Confidence,
		"episode_id": relation.EpisodeID,
	})
	if err != nil {
		return fmt.Errorf("failed to create relation: %w", err)
	}

	logger.Debug("Relation created in KG",
		zap.String("subject", relation.SubjectID),
		zap.String("predicate", relation.Predicate),
		zap.String("object", relation.ObjectID),
	)

	return nil
}

// Query implements retrieval.KGStore.
func (c *Client) Query(ctx context.Context, req retrieval.KGRequest) ([]retrieval.Hit, error) {
	q, err := buildQuery(req, c.maxHops)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, nil
	}

	var hits []retrieval.Hit
	err = c.executeWithRetry(ctx, neo4j.AccessModeRead, func(session neo4j.SessionWithContext) error {
		hits = hits[:0]
		result, err := session.Run(ctx, q.cypher, q.params)
		if err != nil {
			return fmt.Errorf("failed to run %s query: %w", req.Mode, err)
		}
		for result.Next(ctx) {
			if hit, ok := q.decode(result.Record()); ok {
				hits = append(hits, hit)
			}
		}
		if err := result.Err(); err != nil {
			return fmt.Errorf("error iterating results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("KG query completed",
		zap.String("mode", string(req.Mode)),
		zap.Int("terms", len(q.params["terms"].([]string))),
		zap.Int("results_found", len(hits)),
	)

	return hits, nil
}
