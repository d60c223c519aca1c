package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/connect3/backend/internal/storage/models"
	"github.com/connect3/backend/internal/storage/sqlite"
	"github.com/connect3/backend/pkg/logger"
)

type MessageReader interface {
	GetMessage(ctx context.Context, id string) (*models.ChatMessage, error)
}

type MessageHandler struct {
	messages MessageReader
}

func NewMessageHandler(messages MessageReader) *MessageHandler {
	return &MessageHandler{messages: messages}
}

// GetMessage returns a message with its content in the markdown form,
// whatever shape it was stored in.
func (h *MessageHandler) GetMessage(c *fiber.Ctx) error {
	id := c.Params("messageId")

	msg, err := h.messages.GetMessage(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Message not found",
			})
		}
		logger.Error("Failed to load message", zap.String("message_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load message",
		})
	}

	return c.JSON(fiber.Map{
		"id":         msg.ID,
		"chatroomId": msg.ChatroomID,
		"query":      msg.Query,
		"status":     msg.Status,
		"content":    msg.Content,
		"error":      msg.Error,
		"createdAt":  msg.CreatedAt,
	})
}
