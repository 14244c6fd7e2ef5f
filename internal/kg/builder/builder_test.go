package builder

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/podcast-rag/backend/internal/kg/neo4j"
	"github.com/podcast-rag/backend/internal/llm"
	"github.com/podcast-rag/backend/internal/storage/models"
	"github.com/podcast-rag/backend/internal/storage/sqlite"
)

type recordingGraph struct {
	mu        sync.Mutex
	episodes  []string
	entities  map[string]string
	mentions  []string
	relations []neo4j.Relation
	failOn    string
}

func newRecordingGraph() *recordingGraph {
	return &recordingGraph{entities: map[string]string{}}
}

func (g *recordingGraph) UpsertEpisode(ctx context.Context, ep *neo4j.Episode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.episodes = append(g.episodes, ep.ID)
	return nil
}

func (g *recordingGraph) CreateEntity(ctx context.Context, e *neo4j.Entity) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e.Name == g.failOn {
		return errors.New("neo4j unavailable")
	}
	g.entities[e.ID] = e.Name
	return nil
}

func (g *recordingGraph) LinkMention(ctx context.Context, episodeID, entityID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mentions = append(g.mentions, episodeID+"->"+entityID)
	return nil
}

func (g *recordingGraph) CreateRelation(ctx context.Context, r *neo4j.Relation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.relations = append(g.relations, *r)
	return nil
}

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) ExtractEntities(ctx context.Context, summary string, known []string) ([]llm.EntityExtraction, error) {
	args := m.Called(ctx, summary, known)
	out, _ := args.Get(0).([]llm.EntityExtraction)
	return out, args.Error(1)
}

func (m *mockExtractor) ExtractRelations(ctx context.Context, text string, entities []string) ([]llm.RelationExtraction, error) {
	args := m.Called(ctx, text, entities)
	out, _ := args.Get(0).([]llm.RelationExtraction)
	return out, args.Error(1)
}

func newCatalog(t *testing.T) *sqlite.Client {
	t.Helper()
	c, err := sqlite.NewClient(filepath.Join(t.TempDir(), "kg.db"))
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func episode(t *testing.T, catalog *sqlite.Client, id string) *models.Episode {
	t.Helper()
	now := time.Now()
	ep := &models.Episode{ID: id, Title: "Focus and the creative mind", Summary: "A talk on meditation and creativity.", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, catalog.UpsertEpisode(context.Background(), ep))
	return ep
}

func TestEntityIDIsStable(t *testing.T) {
	assert.Equal(t, EntityID("Meditation"), EntityID(" meditation "))
	assert.NotEqual(t, EntityID("meditation"), EntityID("creativity"))
	assert.Len(t, EntityID("sleep"), len("ent_")+16)
}

func TestBuildFromEpisode(t *testing.T) {
	ctx := context.Background()
	catalog := newCatalog(t)
	graph := newRecordingGraph()
	ext := &mockExtractor{}
	ep := episode(t, catalog, "ep12")

	ext.On("ExtractEntities", mock.Anything, ep.Summary, []string(nil)).Return([]llm.EntityExtraction{
		{Name: "meditation", Type: "practice", Confidence: 0.9},
		{Name: "focus", Type: "concept", Confidence: 0.8},
		{Name: "creativity", Type: "topic", Confidence: 0.9},
	}, nil)
	ext.On("ExtractRelations", mock.Anything, mock.Anything, []string{"meditation", "focus", "creativity"}).Return([]llm.RelationExtraction{
		{Subject: "Meditation", Predicate: "IMPROVES", Object: "focus", Confidence: 0.9},
		{Subject: "focus", Predicate: "INFLUENCES", Object: "creativity", Confidence: 0.7},
		{Subject: "focus", Predicate: "RELATED_TO", Object: "creativity", Confidence: 0.3},
		{Subject: "focus", Predicate: "RELATED_TO", Object: "sleep", Confidence: 0.9},
	}, nil)

	stats, err := NewBuilder(catalog, graph, ext).BuildFromEpisode(ctx, ep, "transcript text")
	require.NoError(t, err)

	assert.Equal(t, &Stats{Entities: 3, Relations: 2, Skipped: 2}, stats)
	assert.Equal(t, []string{"ep12"}, graph.episodes)
	assert.Len(t, graph.mentions, 3)
	require.Len(t, graph.relations, 2)
	assert.Equal(t, neo4j.Relation{
		SubjectID: EntityID("meditation"), Predicate: "IMPROVES", ObjectID: EntityID("focus"),
		Confidence: 0.9, EpisodeID: "ep12",
	}, graph.relations[0])

	entities, relations, err := catalog.CountKG(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, entities)
	assert.Equal(t, 2, relations)
	ext.AssertExpectations(t)
}

func TestBuildFromEpisodeReusesKnownEntities(t *testing.T) {
	ctx := context.Background()
	catalog := newCatalog(t)
	graph := newRecordingGraph()
	now := time.Now()
	require.NoError(t, catalog.UpsertKGEntity(ctx, &models.KGEntity{
		ID: EntityID("sleep"), Name: "sleep", Type: "topic", CanonicalName: "sleep", FirstSeen: now, LastUpdated: now, OccurrenceCount: 1,
	}))
	ep := episode(t, catalog, "ep31")

	ext := &mockExtractor{}
	ext.On("ExtractEntities", mock.Anything, mock.Anything, []string{"sleep"}).Return([]llm.EntityExtraction{
		{Name: "caffeine", Type: "concept"},
		{Name: "sleep", Type: "topic"},
	}, nil)
	ext.On("ExtractRelations", mock.Anything, mock.Anything, mock.Anything).Return([]llm.RelationExtraction{
		{Subject: "caffeine", Predicate: "REDUCES", Object: "sleep", Confidence: 0.95},
	}, nil)

	stats, err := NewBuilder(catalog, graph, ext).BuildFromEpisode(ctx, ep, "")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Relations)

	entities, _, err := catalog.CountKG(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, entities)

	names, err := catalog.GetAllKGEntityNames(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "sleep", names[0])
}

func TestBuildFromEpisodeSkipsFailedEntities(t *testing.T) {
	catalog := newCatalog(t)
	graph := newRecordingGraph()
	graph.failOn = "focus"
	ep := episode(t, catalog, "ep40")

	ext := &mockExtractor{}
	ext.On("ExtractEntities", mock.Anything, mock.Anything, mock.Anything).Return([]llm.EntityExtraction{
		{Name: "focus", Type: "concept"},
	}, nil)

	stats, err := NewBuilder(catalog, graph, ext).BuildFromEpisode(context.Background(), ep, "")
	require.NoError(t, err)
	assert.Equal(t, &Stats{Skipped: 1}, stats)
	ext.AssertNotCalled(t, "ExtractRelations", mock.Anything, mock.Anything, mock.Anything)
}

func TestBuildFromEpisodeExtractionFailure(t *testing.T) {
	catalog := newCatalog(t)
	ep := episode(t, catalog, "ep50")

	ext := &mockExtractor{}
	ext.On("ExtractEntities", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("rate limited"))

	_, err := NewBuilder(catalog, newRecordingGraph(), ext).BuildFromEpisode(context.Background(), ep, "")
	assert.Error(t, err)
}
