package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/monitor"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/logger"
)

// ProgressCache holds the most recent snapshot published by a monitor.
type ProgressCache interface {
	LatestProgress(ctx context.Context) (models.ProgressSnapshot, bool, error)
}

type ProgressHandler struct {
	monitor *monitor.Monitor
	cache   ProgressCache
}

func NewProgressHandler(m *monitor.Monitor, cache ProgressCache) *ProgressHandler {
	return &ProgressHandler{monitor: m, cache: cache}
}

// GetProgress serves the cached snapshot when one is fresh, otherwise takes
// a new one. ?fresh=true always takes a new snapshot.
func (h *ProgressHandler) GetProgress(c *fiber.Ctx) error {
	ctx := c.UserContext()

	if h.cache != nil && !c.QueryBool("fresh") {
		snap, ok, err := h.cache.LatestProgress(ctx)
		if err != nil {
			logger.Warn("Progress cache unavailable", zap.Error(err))
		} else if ok {
			return c.JSON(fiber.Map{"cached": true, "progress": snap})
		}
	}

	snap, err := h.monitor.Once(ctx)
	if err != nil {
		logger.Error("Failed to take progress snapshot", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to compute progress",
		})
	}
	return c.JSON(fiber.Map{"cached": false, "progress": snap})
}
