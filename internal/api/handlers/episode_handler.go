package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/ingestion"
	"github.com/podcast-rag/backend/internal/storage/models"
	"github.com/podcast-rag/backend/internal/storage/sqlite"
	"github.com/podcast-rag/backend/pkg/logger"
)

type Ingestor interface {
	ProcessEpisode(ctx context.Context, in ingestion.EpisodeInput) (*ingestion.Result, error)
}

type EpisodeCatalog interface {
	ListEpisodes(ctx context.Context, limit int) ([]models.Episode, error)
	GetEpisode(ctx context.Context, id string) (*models.Episode, error)
}

type EpisodeHandler struct {
	ingestor Ingestor
	catalog  EpisodeCatalog
}

func NewEpisodeHandler(ingestor Ingestor, catalog EpisodeCatalog) *EpisodeHandler {
	return &EpisodeHandler{
		ingestor: ingestor,
		catalog:  catalog,
	}
}

type episodeView struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Show        string     `json:"show,omitempty"`
	Guests      []string   `json:"guests"`
	SourceURL   string     `json:"source_url,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	ChunkCount  int        `json:"chunk_count"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toEpisodeView(ep models.Episode) episodeView {
	guests := ep.Guests
	if guests == nil {
		guests = []string{}
	}
	return episodeView{
		ID:          ep.ID,
		Title:       ep.Title,
		Show:        ep.Show,
		Guests:      guests,
		SourceURL:   ep.SourceURL,
		PublishedAt: ep.PublishedAt,
		Summary:     ep.Summary,
		ChunkCount:  ep.ChunkCount,
		UpdatedAt:   ep.UpdatedAt,
	}
}

func (h *EpisodeHandler) IngestEpisode(c *fiber.Ctx) error {
	var req ingestion.EpisodeInput
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Transcript == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Transcript is required",
		})
	}

	res, err := h.ingestor.ProcessEpisode(c.UserContext(), req)
	if errors.Is(err, ingestion.ErrEmptyTranscript) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "No transcript content could be extracted",
		})
	}
	if err != nil {
		logger.Error("Failed to process episode", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process episode",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(res)
}

func (h *EpisodeHandler) ListEpisodes(c *fiber.Ctx) error {
	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 500",
		})
	}

	episodes, err := h.catalog.ListEpisodes(c.UserContext(), limit)
	if err != nil {
		logger.Error("Failed to list episodes", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list episodes",
		})
	}

	views := make([]episodeView, 0, len(episodes))
	for _, ep := range episodes {
		views = append(views, toEpisodeView(ep))
	}
	return c.JSON(fiber.Map{"episodes": views})
}

func (h *EpisodeHandler) GetEpisode(c *fiber.Ctx) error {
	ep, err := h.catalog.GetEpisode(c.UserContext(), c.Params("id"))
	if errors.Is(err, sqlite.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Episode not found",
		})
	}
	if err != nil {
		logger.Error("Failed to get episode", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get episode",
		})
	}
	return c.JSON(toEpisodeView(*ep))
}
