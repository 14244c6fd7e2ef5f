package milvus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podcast-rag/backend/internal/retrieval"
)

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

type fakeIndex struct {
	results []SearchResult
	gotTopK int
	gotVec  []float32
}

func (f *fakeIndex) SearchVectors(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	f.gotVec = vector
	f.gotTopK = topK
	return f.results, nil
}

func TestStoreSearch(t *testing.T) {
	idx := &fakeIndex{results: []SearchResult{
		{ChunkID: "ep12-3", Text: "Meditation trains attention.", EpisodeID: "ep12", EpisodeTitle: "The Quiet Mind",
			Speaker: "Ada", StartTime: "00:14:05", ChunkIndex: 3, Distance: 0},
		{ChunkID: "ep31-0", Text: "Walks help me think.", EpisodeID: "ep31", ChunkIndex: 0, Distance: 1},
		{ChunkID: "ep31-1", Text: "", EpisodeID: "ep31"},
	}}
	store := NewStore(idx, fixedEmbedder{vec: []float32{0.1, 0.2}})

	hits, err := store.Search(context.Background(), "meditation", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, 5, idx.gotTopK)
	assert.Equal(t, []float32{0.1, 0.2}, idx.gotVec)

	assert.Equal(t, 1.0, hits[0].Score)
	assert.Equal(t, retrieval.Provenance{
		"chunk_id": "ep12-3", "episode_id": "ep12", "chunk_index": "3",
		"episode_title": "The Quiet Mind", "speaker": "Ada", "timestamp": "00:14:05",
	}, hits[0].Provenance)
	assert.Equal(t, 0.5, hits[1].Score)
	assert.NotContains(t, hits[1].Provenance, "speaker")
}

func TestStoreSearchEmbeddingFailure(t *testing.T) {
	store := NewStore(&fakeIndex{}, fixedEmbedder{err: errors.New("quota")})
	_, err := store.Search(context.Background(), "meditation", 5)
	assert.ErrorContains(t, err, "failed to embed query")
}
