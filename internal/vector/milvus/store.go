package milvus

import (
	"context"
	"fmt"
	"strconv"

	"github.com/podcast-rag/backend/internal/retrieval"
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type VectorIndex interface {
	SearchVectors(ctx context.Context, vector []float32, topK int) ([]SearchResult, error)
}

// Store answers text queries against the transcript index.
type Store struct {
	index    VectorIndex
	embedder Embedder
}

func NewStore(index VectorIndex, embedder Embedder) *Store {
	return &Store{index: index, embedder: embedder}
}

// Search implements retrieval.RAGStore. Scores are 1/(1+d) of the L2 distance,
// so closer chunks score higher.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]retrieval.Hit, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := s.index.SearchVectors(ctx, vec, topK)
	if err != nil {
		return nil, err
	}

	hits := make([]retrieval.Hit, 0, len(results))
	for _, r := range results {
		if r.Text == "" {
			continue
		}
		prov := retrieval.Provenance{
			"chunk_id":    r.ChunkID,
			"episode_id":  r.EpisodeID,
			"chunk_index": strconv.Itoa(r.ChunkIndex),
		}
		if r.EpisodeTitle != "" {
			prov["episode_title"] = r.EpisodeTitle
		}
		if r.Speaker != "" {
			prov["speaker"] = r.Speaker
		}
		if r.StartTime != "" {
			prov["timestamp"] = r.StartTime
		}
		hits = append(hits, retrieval.Hit{
			Content:    r.Text,
			Score:      1 / (1 + float64(r.Distance)),
			Provenance: prov,
		})
	}
	return hits, nil
}
