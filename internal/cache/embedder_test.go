package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podcast-rag/backend/internal/cache/redis"
)

type countingSource struct {
	calls int
	err   error
}

func (s *countingSource) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []float32{float32(len(text)), 1}, nil
}

type brokenRemote struct{}

func (brokenRemote) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	return nil, false, errors.New("connection refused")
}

func (brokenRemote) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	return errors.New("connection refused")
}

func newRemote(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
}

func TestEmbedderUsesLocalCache(t *testing.T) {
	src := &countingSource{}
	e, err := NewEmbedder(src, nil, "text-embedding-3-small", 8, time.Hour)
	require.NoError(t, err)

	first, err := e.Embed(context.Background(), "What is meditation?")
	require.NoError(t, err)
	second, err := e.Embed(context.Background(), "  what is MEDITATION? ")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls)
}

func TestEmbedderSharesThroughRemote(t *testing.T) {
	remote := newRemote(t)
	src := &countingSource{}

	a, err := NewEmbedder(src, remote, "m", 8, time.Hour)
	require.NoError(t, err)
	b, err := NewEmbedder(src, remote, "m", 8, time.Hour)
	require.NoError(t, err)

	want, err := a.Embed(context.Background(), "sleep and focus")
	require.NoError(t, err)
	got, err := b.Embed(context.Background(), "sleep and focus")
	require.NoError(t, err)

	assert.Equal(t, want, got)
	assert.Equal(t, 1, src.calls)
}

func TestEmbedderKeysByModel(t *testing.T) {
	remote := newRemote(t)
	src := &countingSource{}

	a, err := NewEmbedder(src, remote, "small", 8, time.Hour)
	require.NoError(t, err)
	b, err := NewEmbedder(src, remote, "large", 8, time.Hour)
	require.NoError(t, err)

	_, err = a.Embed(context.Background(), "sleep")
	require.NoError(t, err)
	_, err = b.Embed(context.Background(), "sleep")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestEmbedderToleratesRemoteFailure(t *testing.T) {
	src := &countingSource{}
	e, err := NewEmbedder(src, brokenRemote{}, "m", 8, time.Hour)
	require.NoError(t, err)

	v, err := e.Embed(context.Background(), "creativity")
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 1}, v)
}

func TestEmbedderSourceFailure(t *testing.T) {
	src := &countingSource{err: errors.New("quota exceeded")}
	e, err := NewEmbedder(src, nil, "m", 8, time.Hour)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "creativity")
	assert.EqualError(t, err, "quota exceeded")

	src.err = nil
	_, err = e.Embed(context.Background(), "creativity")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}
