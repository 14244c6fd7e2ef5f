package handlers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/metrics"
	"github.com/podcast-rag/backend/internal/storage/models"
	"github.com/podcast-rag/backend/pkg/logger"
)

var issueCategories = map[string]bool{
	"":                true,
	"wrong_answer":    true,
	"missing_source":  true,
	"wrong_rejection": true,
	"should_reject":   true,
	"other":           true,
}

type FeedbackStore interface {
	StoreFeedback(ctx context.Context, feedback *models.Feedback) error
}

type FeedbackHandler struct {
	store FeedbackStore
}

func NewFeedbackHandler(store FeedbackStore) *FeedbackHandler {
	return &FeedbackHandler{store: store}
}

func (h *FeedbackHandler) SubmitFeedback(c *fiber.Ctx) error {
	var req struct {
		QueryID       string `json:"query_id"`
		Helpful       *bool  `json:"helpful"`
		IssueCategory string `json:"issue_category"`
		Comment       string `json:"comment"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.QueryID == "" || req.Helpful == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "query_id and helpful are required",
		})
	}
	if !issueCategories[req.IssueCategory] {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown issue_category",
		})
	}

	fb := &models.Feedback{
		QueryID:       req.QueryID,
		Helpful:       *req.Helpful,
		IssueCategory: req.IssueCategory,
		Comment:       req.Comment,
		CreatedAt:     time.Now(),
	}
	if err := h.store.StoreFeedback(c.UserContext(), fb); err != nil {
		logger.Error("Failed to store feedback", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store feedback",
		})
	}

	metrics.UserSatisfaction.WithLabelValues(strconv.FormatBool(fb.Helpful)).Inc()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"status": "recorded"})
}
