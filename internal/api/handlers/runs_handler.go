package handlers

import (
	"context"
	"errors"
	"sync"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/pipeline"
	"github.com/youngcaesar/qci-sync/internal/storage"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/logger"
)

type RunHandler struct {
	pipeline *pipeline.Pipeline
	runs     storage.RunStore
	locker   pipeline.Locker
	wg       sync.WaitGroup
}

func NewRunHandler(p *pipeline.Pipeline, runs storage.RunStore, locker pipeline.Locker) *RunHandler {
	return &RunHandler{pipeline: p, runs: runs, locker: locker}
}

// triggerRequest overrides the configured job name and per-run limit.
// Omitted or zero fields keep the configured values.
type triggerRequest struct {
	Job   string `json:"job"`
	Limit int    `json:"limit"`
}

// TriggerRun starts a sync run. By default the run executes in the
// background and 202 is returned; with ?wait=true the finished run record
// is returned. A run already holding the job lock yields 409.
func (h *RunHandler) TriggerRun(c *fiber.Ctx) error {
	var req triggerRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			logger.Error("Failed to parse request body", zap.Error(err))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}
	if req.Limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must not be negative",
		})
	}

	p := h.pipeline.WithOptions(pipeline.Options{JobName: req.Job, Limit: req.Limit})

	release, ok, err := h.locker.TryLock(c.UserContext(), p.JobName())
	if err != nil {
		logger.Error("Failed to acquire run lock", zap.String("job", p.JobName()), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Run lock unavailable",
		})
	}
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": pipeline.ErrRunInProgress.Error(),
			"job":   p.JobName(),
		})
	}

	if c.QueryBool("wait") {
		defer release()
		rec, err := p.Run(c.UserContext())
		if err != nil && rec.ID == "" {
			logger.Error("Run could not be recorded", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to start run",
			})
		}
		return c.JSON(runJSON(rec))
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer release()
		rec, err := p.Run(context.Background())
		if err != nil {
			logger.Error("Background run failed", zap.String("run_id", rec.ID), zap.Error(err))
			return
		}
		logger.Info("Background run finished",
			zap.String("run_id", rec.ID),
			zap.String("status", string(rec.Status)),
		)
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status": "accepted",
		"job":    p.JobName(),
	})
}

// Wait blocks until background runs started by TriggerRun have finished.
func (h *RunHandler) Wait() {
	h.wg.Wait()
}

func (h *RunHandler) ListRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit <= 0 || limit > 500 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be between 1 and 500",
		})
	}

	runs, err := h.runs.ListRuns(c.UserContext(), limit)
	if err != nil {
		logger.Error("Failed to list runs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list runs",
		})
	}

	out := make([]fiber.Map, len(runs))
	for i, r := range runs {
		out[i] = runJSON(r)
	}
	return c.JSON(fiber.Map{"runs": out})
}

func (h *RunHandler) GetRun(c *fiber.Ctx) error {
	rec, err := h.runs.GetRun(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.lookupError(c, err)
	}
	return c.JSON(runJSON(*rec))
}

func (h *RunHandler) GetRunLogs(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, err := h.runs.GetRun(c.UserContext(), id); err != nil {
		return h.lookupError(c, err)
	}

	entries, err := h.runs.ListLogs(c.UserContext(), id)
	if err != nil {
		logger.Error("Failed to list run logs", zap.String("run_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list run logs",
		})
	}

	out := make([]fiber.Map, len(entries))
	for i, e := range entries {
		out[i] = logJSON(e)
	}
	return c.JSON(fiber.Map{"run_id": id, "logs": out})
}

func (h *RunHandler) lookupError(c *fiber.Ctx, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Run not found",
		})
	}
	logger.Error("Failed to get run", zap.String("run_id", c.Params("id")), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to get run",
	})
}

func runJSON(r models.RunRecord) fiber.Map {
	m := fiber.Map{
		"id":          r.ID,
		"job_name":    r.JobName,
		"status":      r.Status,
		"started_at":  r.StartedAt,
		"finished_at": r.FinishedAt,
		"counts": fiber.Map{
			"fetched":  r.Counts.Fetched,
			"selected": r.Counts.Selected,
			"inserted": r.Counts.Inserted,
			"updated":  r.Counts.Updated,
			"skipped":  r.Counts.Skipped,
			"failed":   r.Counts.Failed,
		},
		"metadata": r.Metadata,
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

func logJSON(e models.LogEntry) fiber.Map {
	return fiber.Map{
		"sequence":  e.Sequence,
		"timestamp": e.Timestamp,
		"step":      e.Step,
		"level":     e.Level,
		"message":   e.Message,
		"metadata":  e.Metadata,
	}
}
