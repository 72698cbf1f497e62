package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/monitor"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/logger"
)

// WebSocketHandler streams progress snapshots until nothing remains to be
// analyzed or the client goes away.
type WebSocketHandler struct {
	monitor  *monitor.Monitor
	interval time.Duration
}

func NewWebSocketHandler(m *monitor.Monitor, interval time.Duration) *WebSocketHandler {
	return &WebSocketHandler{monitor: m, interval: interval}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The client never needs to send anything; reading only detects close.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// The conn is recycled once this handler returns, so the reader must
	// have exited by then.
	defer func() {
		c.Close()
		<-readerDone
		logger.Info("WebSocket connection closed")
	}()

	last, err := h.monitor.Run(ctx, h.interval, func(snap models.ProgressSnapshot) {
		if err := h.sendProgress(c, snap); err != nil {
			logger.Debug("Failed to write progress", zap.Error(err))
			cancel()
		}
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("Progress stream failed", zap.Error(err))
			h.sendError(c, "Failed to stream progress")
		}
		return
	}

	if err := h.sendComplete(c, last); err != nil {
		logger.Debug("Failed to write completion", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendProgress(c *websocket.Conn, snap models.ProgressSnapshot) error {
	msg := map[string]interface{}{
		"type": "progress",
		"data": snap,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendComplete(c *websocket.Conn, snap models.ProgressSnapshot) error {
	msg := map[string]interface{}{
		"type": "complete",
		"data": snap,
	}

	return c.WriteJSON(msg)
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := map[string]interface{}{
		"type":  "error",
		"error": errorMsg,
	}

	c.WriteJSON(msg)
}
