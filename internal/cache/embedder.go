package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/metrics"
	"github.com/podcast-rag/backend/pkg/logger"
	"github.com/podcast-rag/backend/pkg/utils"
)

// Source produces embeddings on a cache miss.
type Source interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// Remote is a shared embedding cache, usually redis.
type Remote interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// Embedder resolves query embeddings through an in-process LRU, then the
// remote cache, then the embedding model.
type Embedder struct {
	source Source
	remote Remote
	local  *lru.Cache[string, []float32]
	model  string
	ttl    time.Duration
	log    *zap.Logger
}

func NewEmbedder(source Source, remote Remote, model string, size int, ttl time.Duration) (*Embedder, error) {
	if size <= 0 {
		size = 1024
	}
	local, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding lru: %w", err)
	}
	return &Embedder{
		source: source,
		remote: remote,
		local:  local,
		model:  model,
		ttl:    ttl,
		log:    logger.Named("embedder"),
	}, nil
}

func (e *Embedder) key(text string) string {
	return utils.HashString(e.model + "\x00" + utils.NormalizeText(text))
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := e.key(text)

	if v, ok := e.local.Get(key); ok {
		metrics.CacheHits.WithLabelValues("embedding_lru").Inc()
		return v, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding_lru").Inc()

	if e.remote != nil {
		v, ok, err := e.remote.GetEmbedding(ctx, key)
		switch {
		case err != nil:
			e.log.Warn("Remote embedding cache read failed", zap.Error(err))
		case ok:
			metrics.CacheHits.WithLabelValues("embedding_redis").Inc()
			e.local.Add(key, v)
			return v, nil
		default:
			metrics.CacheMisses.WithLabelValues("embedding_redis").Inc()
		}
	}

	v, err := e.source.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	e.local.Add(key, v)

	if e.remote != nil {
		if err := e.remote.SetEmbedding(ctx, key, v, e.ttl); err != nil {
			e.log.Warn("Remote embedding cache write failed", zap.Error(err))
		}
	}
	return v, nil
}
