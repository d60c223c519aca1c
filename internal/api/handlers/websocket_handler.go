package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/connect3/backend/internal/query"
	"github.com/connect3/backend/internal/sentry"
	"github.com/connect3/backend/internal/stream"
	"github.com/connect3/backend/pkg/logger"
)

// WebSocketHandler streams a message's search events over a websocket. It
// carries the same events as the SSE endpoint.
type WebSocketHandler struct {
	hub Attacher
}

func NewWebSocketHandler(hub Attacher) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
	}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	messageID := c.Params("messageId")
	logger.Info("WebSocket connection established", zap.String("message_id", messageID))

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("message_id", messageID))
	}()

	var after int64
	if raw := c.Query("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			h.sendError(c, "Invalid event id")
			return
		}
		after = n
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer sentry.Recover(ctx, map[string]any{"message_id": messageID})

	// Reading detects the client going away; incoming frames are ignored.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	events, err := h.hub.Attach(ctx, messageID, after)
	if err != nil {
		if errors.Is(err, stream.ErrMessageNotFound) {
			h.sendError(c, "Message not found")
			return
		}
		logger.Error("Failed to attach to search", zap.String("message_id", messageID), zap.Error(err))
		h.sendError(c, "Failed to start search")
		return
	}

	for ev := range events {
		if err := c.WriteJSON(ev); err != nil {
			logger.Debug("Failed to write WebSocket event", zap.String("message_id", messageID), zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	_ = c.WriteJSON(query.Event{
		Type:  query.EventError,
		Error: errorMsg,
	})
}
