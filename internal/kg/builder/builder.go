package builder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/kg/neo4j"
	"github.com/podcast-rag/backend/internal/llm"
	"github.com/podcast-rag/backend/internal/metrics"
	"github.com/podcast-rag/backend/internal/storage/models"
	"github.com/podcast-rag/backend/pkg/logger"
	"github.com/podcast-rag/backend/pkg/utils"
)

const (
	minRelationConfidence = 0.6
	knownEntityLimit      = 500
	relationTextLimit     = 6000
)

type Graph interface {
	UpsertEpisode(ctx context.Context, ep *neo4j.Episode) error
	CreateEntity(ctx context.Context, entity *neo4j.Entity) error
	LinkMention(ctx context.Context, episodeID, entityID string) error
	CreateRelation(ctx context.Context, relation *neo4j.Relation) error
}

type Extractor interface {
	ExtractEntities(ctx context.Context, summary string, known []string) ([]llm.EntityExtraction, error)
	ExtractRelations(ctx context.Context, text string, entities []string) ([]llm.RelationExtraction, error)
}

// Catalog is the relational bookkeeping kept next to the graph.
type Catalog interface {
	GetAllKGEntityNames(ctx context.Context, limit int) ([]string, error)
	UpsertKGEntity(ctx context.Context, entity *models.KGEntity) error
	InsertKGRelation(ctx context.Context, relation *models.KGRelation) error
	CountKG(ctx context.Context) (entities int, relations int, err error)
}

type Builder struct {
	catalog   Catalog
	graph     Graph
	extractor Extractor
	log       *zap.Logger
}

type Stats struct {
	Entities  int
	Relations int
	Skipped   int
}

func NewBuilder(catalog Catalog, graph Graph, extractor Extractor) *Builder {
	return &Builder{
		catalog:   catalog,
		graph:     graph,
		extractor: extractor,
		log:       logger.Named("kg-builder"),
	}
}

// EntityID is stable across episodes so repeated mentions land on one node.
func EntityID(name string) string {
	return "ent_" + utils.ShortHash(strings.ToLower(strings.TrimSpace(name)), 16)
}

// BuildFromEpisode extracts entities from the summary and relations from the
// transcript, then writes both to the graph and the catalog.
func (b *Builder) BuildFromEpisode(ctx context.Context, ep *models.Episode, transcript string) (*Stats, error) {
	log := b.log.With(zap.String("episode_id", ep.ID))
	log.Info("Building KG from episode")

	known, err := b.catalog.GetAllKGEntityNames(ctx, knownEntityLimit)
	if err != nil {
		log.Warn("Failed to get known entities", zap.Error(err))
		known = []string{}
	}

	source := ep.Summary
	if source == "" {
		source = utils.Prefix(transcript, relationTextLimit)
	}
	extracted, err := b.extractor.ExtractEntities(ctx, source, known)
	if err != nil {
		return nil, fmt.Errorf("failed to extract entities: %w", err)
	}

	if err := b.graph.UpsertEpisode(ctx, &neo4j.Episode{ID: ep.ID, Title: ep.Title, Show: ep.Show}); err != nil {
		return nil, err
	}

	stats := &Stats{}
	ids := make(map[string]string)
	for _, name := range known {
		ids[strings.ToLower(name)] = EntityID(name)
	}

	now := time.Now()
	for _, ext := range extracted {
		id := EntityID(ext.Name)
		ids[strings.ToLower(ext.Name)] = id

		if err := b.catalog.UpsertKGEntity(ctx, &models.KGEntity{
			ID:              id,
			Name:            ext.Name,
			Type:            ext.Type,
			CanonicalName:   ext.Name,
			Aliases:         []string{},
			FirstSeen:       now,
			LastUpdated:     now,
			OccurrenceCount: 1,
		}); err != nil {
			log.Error("Failed to record entity", zap.String("entity", ext.Name), zap.Error(err))
			stats.Skipped++
			continue
		}
		if err := b.graph.CreateEntity(ctx, &neo4j.Entity{ID: id, Name: ext.Name, Type: ext.Type, CanonicalName: ext.Name}); err != nil {
			log.Error("Failed to create entity in Neo4j", zap.String("entity", ext.Name), zap.Error(err))
			stats.Skipped++
			continue
		}
		if err := b.graph.LinkMention(ctx, ep.ID, id); err != nil {
			log.Warn("Failed to link mention", zap.String("entity", ext.Name), zap.Error(err))
		}
		stats.Entities++
	}

	names := make([]string, 0, len(extracted))
	for _, ext := range extracted {
		names = append(names, ext.Name)
	}
	if len(names) < 2 {
		b.refreshGauges(ctx)
		log.Info("KG built from episode", zap.Int("entities", stats.Entities), zap.Int("relations", 0))
		return stats, nil
	}

	relations, err := b.extractor.ExtractRelations(ctx, utils.Prefix(transcript, relationTextLimit), names)
	if err != nil {
		return stats, fmt.Errorf("failed to extract relations: %w", err)
	}

	for _, rel := range relations {
		if rel.Confidence < minRelationConfidence {
			stats.Skipped++
			continue
		}
		subjectID, ok1 := ids[strings.ToLower(rel.Subject)]
		objectID, ok2 := ids[strings.ToLower(rel.Object)]
		if !ok1 || !ok2 {
			log.Debug("Relation endpoint not in graph", zap.String("subject", rel.Subject), zap.String("object", rel.Object))
			stats.Skipped++
			continue
		}

		if err := b.graph.CreateRelation(ctx, &neo4j.Relation{
			SubjectID:  subjectID,
			Predicate:  rel.Predicate,
			ObjectID:   objectID,
			Confidence: rel.Confidence,
			EpisodeID:  ep.ID,
		}); err != nil {
			log.Error("Failed to create relation in Neo4j", zap.Error(err))
			stats.Skipped++
			continue
		}

		if err := b.catalog.InsertKGRelation(ctx, &models.KGRelation{
			SubjectID:       subjectID,
			Predicate:       rel.Predicate,
			ObjectID:        objectID,
			Confidence:      rel.Confidence,
			SourceEpisodeID: ep.ID,
			CreatedAt:       now,
		}); err != nil {
			log.Warn("Failed to record relation", zap.Error(err))
		}
		stats.Relations++
	}

	b.refreshGauges(ctx)

	log.Info("KG built from episode",
		zap.Int("entities", stats.Entities),
		zap.Int("relations", stats.Relations),
		zap.Int("skipped", stats.Skipped),
	)

	return stats, nil
}

func (b *Builder) refreshGauges(ctx context.Context) {
	entities, relations, err := b.catalog.CountKG(ctx)
	if err != nil {
		b.log.Debug("Failed to count KG", zap.Error(err))
		return
	}
	metrics.KGEntitiesTotal.Set(float64(entities))
	metrics.KGRelationsTotal.Set(float64(relations))
}
