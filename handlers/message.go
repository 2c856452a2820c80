package handlers

import (
	"context"
	"net/http"
	"strconv"

	"marketplace-svc/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type MessageService interface {
	CreateConversation(ctx context.Context, req models.CreateConversationRequest, actor models.Actor) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	GetConversationByID(ctx context.Context, conversationID, userID int64) (*models.Conversation, error)
	GetConversationByOrderID(ctx context.Context, orderID int64, actor models.Actor) (*models.Conversation, error)
	SendMessage(ctx context.Context, req models.SendMessageRequest, userID int64) (*models.Message, error)
	GetMessages(ctx context.Context, conversationID int64, page, limit int, userID int64) (*models.MessagePage, error)
	MarkMessageAsRead(ctx context.Context, messageID, userID int64) (*models.ReadReceipt, error)
	DeleteMessage(ctx context.Context, messageID, userID int64) error
	GetUnreadCount(ctx context.Context, conversationID, userID int64) (int, error)
}

// Notifier pushes REST-originated changes to connected sockets.
type Notifier interface {
	BroadcastNewMessage(ctx context.Context, m *models.Message)
	NotifyRead(ctx context.Context, r *models.ReadReceipt)
}

type MessageHandler struct {
	messages MessageService
	notifier Notifier
	logger   *zap.Logger
}

func NewMessageHandler(messages MessageService, notifier Notifier, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, notifier: notifier, logger: logger}
}

func (h *MessageHandler) CreateConversation(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "CreateConversation")
	defer span.End()

	var req models.CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.messages.CreateConversation(ctx, req, actor(c))
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}
	span.SetAttributes(attribute.Int64("conversation.id", conv.ID))
	c.JSON(http.StatusCreated, conv)
}

func (h *MessageHandler) GetConversations(c *gin.Context) {
	list, err := h.messages.GetUserConversations(c.Request.Context(), actor(c).UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *MessageHandler) GetConversation(c *gin.Context) {
	id, ok := paramID(c, "id", "conversation")
	if !ok {
		return
	}
	conv, err := h.messages.GetConversationByID(c.Request.Context(), id, actor(c).UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *MessageHandler) GetOrderConversation(c *gin.Context) {
	orderID, ok := paramID(c, "id", "order")
	if !ok {
		return
	}
	conv, err := h.messages.GetConversationByOrderID(c.Request.Context(), orderID, actor(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *MessageHandler) GetMessages(c *gin.Context) {
	id, ok := paramID(c, "id", "conversation")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	result, err := h.messages.GetMessages(c.Request.Context(), id, page, limit, actor(c).UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SendMessage stores the message and fans it out to sockets in the
// conversation room, the same way a socket send-message does.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "SendMessage")
	defer span.End()

	id, ok := paramID(c, "id", "conversation")
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ConversationID = id

	msg, err := h.messages.SendMessage(ctx, req, actor(c).UserID)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	if h.notifier != nil {
		h.notifier.BroadcastNewMessage(ctx, msg)
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *MessageHandler) MarkAsRead(c *gin.Context) {
	id, ok := paramID(c, "id", "message")
	if !ok {
		return
	}

	receipt, err := h.messages.MarkMessageAsRead(c.Request.Context(), id, actor(c).UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if h.notifier != nil {
		h.notifier.NotifyRead(c.Request.Context(), receipt)
	}
	c.JSON(http.StatusOK, receipt)
}

func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	id, ok := paramID(c, "id", "message")
	if !ok {
		return
	}
	if err := h.messages.DeleteMessage(c.Request.Context(), id, actor(c).UserID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message deleted"})
}

func (h *MessageHandler) GetUnreadCount(c *gin.Context) {
	id, ok := paramID(c, "id", "conversation")
	if !ok {
		return
	}
	count, err := h.messages.GetUnreadCount(c.Request.Context(), id, actor(c).UserID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": id, "unreadCount": count})
}
