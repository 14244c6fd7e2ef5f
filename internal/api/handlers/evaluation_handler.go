package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/podcast-rag/backend/internal/evaluation"
	"github.com/podcast-rag/backend/pkg/logger"
)

type DatasetRunner interface {
	Run(ctx context.Context, ds *evaluation.Dataset) (*evaluation.Report, error)
}

type DecisionCounter interface {
	DecisionCounts(ctx context.Context) (map[string]int, error)
}

type EvaluationHandler struct {
	runner   DatasetRunner
	counter  DecisionCounter
	maxItems int
}

func NewEvaluationHandler(runner DatasetRunner, counter DecisionCounter) *EvaluationHandler {
	return &EvaluationHandler{runner: runner, counter: counter, maxItems: 200}
}

func (h *EvaluationHandler) RunEvaluation(c *fiber.Ctx) error {
	ds, err := evaluation.LoadDataset(c.Body())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if len(ds.Items) == 0 || len(ds.Items) > h.maxItems {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "dataset must contain between 1 and 200 items",
		})
	}

	report, err := h.runner.Run(c.UserContext(), ds)
	if err != nil {
		logger.Error("Evaluation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Evaluation failed",
		})
	}

	if c.Query("format") == "text" {
		return c.SendString(evaluation.FormatReport(report))
	}
	return c.JSON(report)
}

// GetStats reports how many stored queries ended in each guard decision.
func (h *EvaluationHandler) GetStats(c *fiber.Ctx) error {
	counts, err := h.counter.DecisionCounts(c.UserContext())
	if err != nil {
		logger.Error("Failed to load decision counts", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load stats",
		})
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return c.JSON(fiber.Map{"total": total, "decisions": counts})
}
