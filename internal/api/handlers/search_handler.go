package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/connect3/backend/internal/query"
	"github.com/connect3/backend/internal/stream"
	"github.com/connect3/backend/pkg/logger"
)

// Attacher starts or resumes the event stream of a message.
type Attacher interface {
	Attach(ctx context.Context, messageID string, afterSeq int64) (<-chan query.Event, error)
}

type SearchHandler struct {
	hub       Attacher
	heartbeat time.Duration
}

func NewSearchHandler(hub Attacher) *SearchHandler {
	return &SearchHandler{
		hub:       hub,
		heartbeat: 15 * time.Second,
	}
}

// StartSearch runs the search for a message, or joins the run already in
// flight, and streams its events as server-sent events.
func (h *SearchHandler) StartSearch(c *fiber.Ctx) error {
	return h.stream(c, 0)
}

// ResumeSearch re-attaches to a message's stream after the sequence number
// in Last-Event-ID (or ?after=).
func (h *SearchHandler) ResumeSearch(c *fiber.Ctx) error {
	after, err := afterSeq(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid event id",
		})
	}
	return h.stream(c, after)
}

func (h *SearchHandler) stream(c *fiber.Ctx, after int64) error {
	messageID := c.Params("messageId")

	// The stream outlives the handler, so it gets its own context.
	ctx, cancel := context.WithCancel(context.Background())
	events, err := h.hub.Attach(ctx, messageID, after)
	if err != nil {
		cancel()
		return attachError(c, messageID, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	heartbeat := h.heartbeat
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					logger.Debug("Search stream client gone", zap.String("message_id", messageID), zap.Error(err))
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					logger.Debug("Search stream client gone", zap.String("message_id", messageID), zap.Error(err))
					return
				}
			}
		}
	}))
	return nil
}

func writeEvent(w *bufio.Writer, ev query.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return w.Flush()
}

func afterSeq(c *fiber.Ctx) (int64, error) {
	raw := c.Get("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after")
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid event id %q", raw)
	}
	return n, nil
}

func attachError(c *fiber.Ctx, messageID string, err error) error {
	if errors.Is(err, stream.ErrMessageNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Message not found",
		})
	}
	logger.Error("Failed to attach to search", zap.String("message_id", messageID), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to start search",
	})
}
