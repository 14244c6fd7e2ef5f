package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/kg/builder"
	"github.com/podcast-rag/backend/internal/metrics"
	"github.com/podcast-rag/backend/internal/storage/models"
	"github.com/podcast-rag/backend/internal/vector/milvus"
	"github.com/podcast-rag/backend/pkg/logger"
	"github.com/podcast-rag/backend/pkg/utils"
)

const summaryInputLimit = 6000

var ErrEmptyTranscript = errors.New("no transcript content extracted")

type Catalog interface {
	UpsertEpisode(ctx context.Context, ep *models.Episode) error
	InsertChunks(ctx context.Context, episodeID string, chunks []models.TranscriptChunk) error
}

type VectorWriter interface {
	DeleteEpisode(ctx context.Context, episodeID string) error
	Insert(ctx context.Context, chunks []milvus.TranscriptChunk) error
}

type LLM interface {
	SummarizeEpisode(ctx context.Context, title, transcript string) (string, error)
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type GraphBuilder interface {
	BuildFromEpisode(ctx context.Context, ep *models.Episode, transcript string) (*builder.Stats, error)
}

// EpisodeInput is a transcript submitted for indexing. Transcript may be
// plain text or HTML.
type EpisodeInput struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Show        string     `json:"show"`
	Guests      []string   `json:"guests"`
	SourceURL   string     `json:"source_url"`
	PublishedAt *time.Time `json:"published_at"`
	Transcript  string     `json:"transcript"`
}

type Result struct {
	EpisodeID string         `json:"episode_id"`
	Title     string         `json:"title"`
	Chunks    int            `json:"chunks"`
	Graph     *builder.Stats `json:"graph,omitempty"`
}

type Processor struct {
	catalog      Catalog
	vectors      VectorWriter
	llm          LLM
	graph        GraphBuilder
	chunkSize    int
	chunkOverlap int
	log          *zap.Logger
}

func NewProcessor(catalog Catalog, vectors VectorWriter, llmClient LLM, graph GraphBuilder) *Processor {
	return &Processor{
		catalog:      catalog,
		vectors:      vectors,
		llm:          llmClient,
		graph:        graph,
		chunkSize:    1000,
		chunkOverlap: 10,
		log:          logger.Named("ingestion"),
	}
}

// EpisodeID derives a stable id from the source URL, or the show and title.
func EpisodeID(in EpisodeInput) string {
	if in.ID != "" {
		return in.ID
	}
	seed := in.SourceURL
	if seed == "" {
		seed = strings.ToLower(in.Show + "|" + in.Title)
	}
	return "ep_" + utils.ShortHash(seed, 16)
}

// ProcessEpisode indexes one transcript. Re-ingesting an episode replaces its
// passages in both the vector store and the catalog.
func (p *Processor) ProcessEpisode(ctx context.Context, in EpisodeInput) (*Result, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = ExtractTitle(in.Transcript)
	}
	if title == "" {
		title = "Untitled episode"
	}
	in.Title = title
	id := EpisodeID(in)
	log := p.log.With(zap.String("episode_id", id))
	log.Info("Processing episode", zap.String("title", title))

	text := CleanTranscript(in.Transcript)
	segments := ParseSegments(text)
	passages := ChunkSegments(segments, p.chunkSize, p.chunkOverlap)
	if len(passages) == 0 {
		return nil, ErrEmptyTranscript
	}
	log.Info("Transcript chunked", zap.Int("segments", len(segments)), zap.Int("chunks", len(passages)))

	summary, err := p.llm.SummarizeEpisode(ctx, title, utils.Prefix(text, summaryInputLimit))
	if err != nil {
		log.Warn("Failed to summarize episode", zap.Error(err))
		summary = ""
	}

	texts := make([]string, len(passages))
	for i, ps := range passages {
		texts[i] = ps.Text
	}
	embeddings, err := p.llm.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(embeddings) != len(passages) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(passages))
	}

	now := time.Now()
	vectorChunks := make([]milvus.TranscriptChunk, len(passages))
	dbChunks := make([]models.TranscriptChunk, len(passages))
	for i, ps := range passages {
		chunkID := fmt.Sprintf("%s_chunk_%d", id, ps.Index)
		vectorChunks[i] = milvus.TranscriptChunk{
			ID:           chunkID,
			Embedding:    embeddings[i],
			Text:         ps.Text,
			EpisodeID:    id,
			EpisodeTitle: title,
			Speaker:      ps.Speaker,
			StartTime:    ps.StartTime,
			ChunkIndex:   ps.Index,
		}
		dbChunks[i] = models.TranscriptChunk{
			ID:         chunkID,
			EpisodeID:  id,
			ChunkIndex: ps.Index,
			Speaker:    ps.Speaker,
			StartTime:  ps.StartTime,
			Text:       ps.Text,
			CreatedAt:  now,
		}
	}

	if err := p.vectors.DeleteEpisode(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to clear previous passages: %w", err)
	}
	if err := p.vectors.Insert(ctx, vectorChunks); err != nil {
		return nil, fmt.Errorf("failed to insert into vector DB: %w", err)
	}

	ep := &models.Episode{
		ID:          id,
		Title:       title,
		Show:        in.Show,
		Guests:      in.Guests,
		SourceURL:   in.SourceURL,
		PublishedAt: in.PublishedAt,
		Summary:     summary,
		ChunkCount:  len(passages),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ep.Guests == nil {
		ep.Guests = []string{}
	}
	if err := p.catalog.UpsertEpisode(ctx, ep); err != nil {
		return nil, fmt.Errorf("failed to store episode: %w", err)
	}
	if err := p.catalog.InsertChunks(ctx, id, dbChunks); err != nil {
		return nil, fmt.Errorf("failed to store chunks: %w", err)
	}

	res := &Result{EpisodeID: id, Title: title, Chunks: len(passages)}

	if p.graph != nil {
		stats, err := p.graph.BuildFromEpisode(ctx, ep, text)
		if err != nil {
			log.Warn("Knowledge graph build failed", zap.Error(err))
		} else {
			res.Graph = stats
		}
	}

	metrics.EpisodesIngested.Inc()
	log.Info("Episode processed successfully", zap.Int("chunks", res.Chunks))
	return res, nil
}
