package milvus

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/pkg/logger"
)

const (
	fieldChunkID      = "chunk_id"
	fieldEmbedding    = "embedding"
	fieldText         = "text"
	fieldEpisodeID    = "episode_id"
	fieldEpisodeTitle = "episode_title"
	fieldSpeaker      = "speaker"
	fieldStartTime    = "start_time"
	fieldChunkIndex   = "chunk_index"
)

var outputFields = []string{fieldChunkID, fieldText, fieldEpisodeID, fieldEpisodeTitle, fieldSpeaker, fieldStartTime, fieldChunkIndex}

type Config struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	IndexType      string
	Nprobe         int
}

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
	indexType      string
	nprobe         int
}

// TranscriptChunk is one embedded transcript passage.
type TranscriptChunk struct {
	ID           string
	Embedding    []float32
	Text         string
	EpisodeID    string
	EpisodeTitle string
	Speaker      string
	StartTime    string
	ChunkIndex   int
}

type SearchResult struct {
	ChunkID      string
	Text         string
	EpisodeID    string
	EpisodeTitle string
	Speaker      string
	StartTime    string
	ChunkIndex   int
	Distance     float32
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: cfg.Endpoint,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	if cfg.Nprobe <= 0 {
		cfg.Nprobe = 16
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
		zap.String("index_type", cfg.IndexType),
	)

	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		vectorDim:      cfg.VectorDim,
		indexType:      strings.ToUpper(cfg.IndexType),
		nprobe:         cfg.Nprobe,
	}, nil
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) Ping(ctx context.Context) error {
	_, err := z.client.HasCollection(ctx, z.collectionName)
	return err
}

func varchar(name string, maxLen int) *entity.Field {
	return &entity.Field{
		Name:       name,
		DataType:   entity.FieldTypeVarChar,
		TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
	}
}

func (z *Client) schema() *entity.Schema {
	pk := varchar(fieldChunkID, 64)
	pk.PrimaryKey = true

	return &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "Podcast transcript chunk embeddings",
		Fields: []*entity.Field{
			pk,
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(z.vectorDim)},
			},
			varchar(fieldText, 8192),
			varchar(fieldEpisodeID, 64),
			varchar(fieldEpisodeTitle, 512),
			varchar(fieldSpeaker, 128),
			varchar(fieldStartTime, 16),
			{Name: fieldChunkIndex, DataType: entity.FieldTypeInt64},
		},
	}
}

func (z *Client) index() (entity.Index, error) {
	if z.indexType == "HNSW" {
		return entity.NewIndexHNSW(entity.L2, 16, 200)
	}
	return entity.NewIndexIvfFlat(entity.L2, 1024)
}

func (z *Client) searchParam() (entity.SearchParam, error) {
	if z.indexType == "HNSW" {
		return entity.NewIndexHNSWSearchParam(max(64, z.nprobe))
	}
	return entity.NewIndexIvfFlatSearchParam(z.nprobe)
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if !has {
		if err := z.client.CreateCollection(ctx, z.schema(), entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := z.index()
		if err != nil {
			return fmt.Errorf("failed to build index params: %w", err)
		}
		if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
		logger.Info("Collection created", zap.String("collection", z.collectionName))
	}

	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	return nil
}

// DeleteEpisode removes every chunk of an episode so re-ingestion replaces it.
func (z *Client) DeleteEpisode(ctx context.Context, episodeID string) error {
	expr := fmt.Sprintf("%s == %s", fieldEpisodeID, strconv.Quote(episodeID))
	if err := z.client.Delete(ctx, z.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete episode chunks: %w", err)
	}
	return nil
}

func (z *Client) Insert(ctx context.Context, chunks []TranscriptChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	ids := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))
	texts := make([]string, len(chunks))
	episodes := make([]string, len(chunks))
	titles := make([]string, len(chunks))
	speakers := make([]string, len(chunks))
	starts := make([]string, len(chunks))
	indexes := make([]int64, len(chunks))

	for i, chunk := range chunks {
		if len(chunk.Embedding) != z.vectorDim {
			return fmt.Errorf("chunk %s has dimension %d, collection expects %d", chunk.ID, len(chunk.Embedding), z.vectorDim)
		}
		ids[i] = chunk.ID
		embeddings[i] = chunk.Embedding
		texts[i] = chunk.Text
		episodes[i] = chunk.EpisodeID
		titles[i] = chunk.EpisodeTitle
		speakers[i] = chunk.Speaker
		starts[i] = chunk.StartTime
		indexes[i] = int64(chunk.ChunkIndex)
	}

	_, err := z.client.Insert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldChunkID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldEpisodeID, episodes),
		entity.NewColumnVarChar(fieldEpisodeTitle, titles),
		entity.NewColumnVarChar(fieldSpeaker, speakers),
		entity.NewColumnVarChar(fieldStartTime, starts),
		entity.NewColumnInt64(fieldChunkIndex, indexes),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks inserted into vector DB", zap.Int("count", len(chunks)))

	return nil
}

func (z *Client) SearchVectors(ctx context.Context, vector []float32, topK int) ([]SearchResult, error) {
	sp, err := z.searchParam()
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		"",
		outputFields,
		[]entity.Vector{entity.FloatVector(vector)},
		fieldEmbedding,
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, 0, topK)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			results = append(results, SearchResult{
				ChunkID:      columnString(sr.Fields, fieldChunkID, i),
				Text:         columnString(sr.Fields, fieldText, i),
				EpisodeID:    columnString(sr.Fields, fieldEpisodeID, i),
				EpisodeTitle: columnString(sr.Fields, fieldEpisodeTitle, i),
				Speaker:      columnString(sr.Fields, fieldSpeaker, i),
				StartTime:    columnString(sr.Fields, fieldStartTime, i),
				ChunkIndex:   columnInt(sr.Fields, fieldChunkIndex, i),
				Distance:     sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed", zap.Int("topK", topK), zap.Int("results", len(results)))

	return results, nil
}

func columnString(fields client.ResultSet, name string, i int) string {
	col := fields.GetColumn(name)
	if col == nil {
		return ""
	}
	v, err := col.Get(i)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func columnInt(fields client.ResultSet, name string, i int) int {
	col := fields.GetColumn(name)
	if col == nil {
		return 0
	}
	v, err := col.Get(i)
	if err != nil {
		return 0
	}
	n, _ := v.(int64)
	return int(n)
}
