package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/connect3/backend/internal/ingestion"
	"github.com/connect3/backend/pkg/logger"
)

type CorpusIndexer interface {
	IndexEntities(ctx context.Context, docs []ingestion.EntityDocument) (ingestion.Stats, error)
	IndexKnowledge(ctx context.Context, doc ingestion.KnowledgeDocument) (ingestion.Stats, error)
}

type CorpusHandler struct {
	indexer CorpusIndexer
}

func NewCorpusHandler(indexer CorpusIndexer) *CorpusHandler {
	return &CorpusHandler{
		indexer: indexer,
	}
}

func (h *CorpusHandler) IndexEntities(c *fiber.Ctx) error {
	var req struct {
		Entities []ingestion.EntityDocument `json:"entities"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if len(req.Entities) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one entity is required",
		})
	}

	stats, err := h.indexer.IndexEntities(c.UserContext(), req.Entities)
	if err != nil {
		logger.Error("Failed to index entities", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to index entities",
		})
	}

	return c.JSON(statsBody(stats))
}

func (h *CorpusHandler) IndexKnowledge(c *fiber.Ctx) error {
	var req struct {
		Institution string `json:"institution"`
		Source      string `json:"source"`
		URL         string `json:"url"`
		HTML        string `json:"html"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Institution == "" || req.URL == "" || req.HTML == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Institution, URL and HTML content are required",
		})
	}

	stats, err := h.indexer.IndexKnowledge(c.UserContext(), ingestion.KnowledgeDocument{
		Institution: req.Institution,
		Source:      req.Source,
		URL:         req.URL,
		HTML:        req.HTML,
	})
	if err != nil {
		if errors.Is(err, ingestion.ErrUnknownInstitution) ||
			errors.Is(err, ingestion.ErrUnknownSource) ||
			errors.Is(err, ingestion.ErrNoContent) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		logger.Error("Failed to index knowledge document", zap.String("url", req.URL), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to index document",
		})
	}

	return c.JSON(statsBody(stats))
}

func statsBody(s ingestion.Stats) fiber.Map {
	return fiber.Map{
		"documents": s.Documents,
		"passages":  s.Passages,
		"skipped":   s.Skipped,
	}
}
