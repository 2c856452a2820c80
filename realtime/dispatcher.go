package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"marketplace-svc/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// MessageStore is the messaging side the socket events are backed by.
type MessageStore interface {
	IsConversationParticipant(ctx context.Context, conversationID, userID int64) (bool, error)
	SendMessage(ctx context.Context, req models.SendMessageRequest, userID int64) (*models.Message, error)
	MarkMessageAsRead(ctx context.Context, messageID, userID int64) (*models.ReadReceipt, error)
}

// Dispatcher turns inbound socket events into messaging calls and room emits.
type Dispatcher struct {
	hub    *Hub
	store  MessageStore
	logger *zap.Logger
}

func NewDispatcher(hub *Hub, store MessageStore, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{hub: hub, store: store, logger: logger}
}

func (d *Dispatcher) Handle(ctx context.Context, c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		d.hub.SendTo(c, EventMessageError, ErrorPayload{Error: "Invalid message format"})
		return
	}

	ctx, span := otel.Tracer("marketplace-service").Start(ctx, "realtime."+env.Event)
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", c.UserID))

	switch env.Event {
	case EventJoinConversation:
		d.join(ctx, c, env.Data)
	case EventLeaveConversation:
		if id, ok := parseConversationID(env.Data); ok {
			d.hub.Leave(c, ConversationRoom(id))
		}
	case EventSendMessage:
		d.sendMessage(ctx, c, env.Data)
	case EventMarkAsRead:
		d.markAsRead(ctx, c, env.Data)
	case EventTyping:
		d.typing(ctx, c, env.Data, EventUserTyping)
	case EventStopTyping:
		d.typing(ctx, c, env.Data, EventUserStopTyping)
	default:
		d.hub.SendTo(c, EventMessageError, ErrorPayload{Error: "Unknown event: " + env.Event})
	}
}

func (d *Dispatcher) join(ctx context.Context, c *Client, data json.RawMessage) {
	id, ok := parseConversationID(data)
	if !ok {
		d.hub.SendTo(c, EventMessageError, ErrorPayload{Error: "Conversation ID is required"})
		return
	}

	member, err := d.store.IsConversationParticipant(ctx, id, c.UserID)
	if err != nil {
		d.logger.Error("Failed to check conversation membership", zap.Int64("conversation_id", id), zap.Error(err))
		d.hub.SendTo(c, EventMessageError, ErrorPayload{Error: "Failed to join conversation"})
		return
	}
	if !member {
		d.hub.SendTo(c, EventMessageError, ErrorPayload{Error: "You are not a participant in this conversation"})
		return
	}
	d.hub.Join(c, ConversationRoom(id))
}

func (d *Dispatcher) sendMessage(ctx context.Context, c *Client, data json.RawMessage) {
	var in sendMessageInput
	if err := json.Unmarshal(data, &in); err != nil || in.ConversationID <= 0 || strings.TrimSpace(in.Content) == "" {
		d.hub.SendTo(c, EventMessageError, ErrorPayload{Error: "Conversation ID and content are required"})
		return
	}

	msg, err := d.store.SendMessage(ctx, models.SendMessageRequest{
		ConversationID: in.ConversationID,
		Content:        in.Content,
		Attachments:    in.Attachments,
	}, c.UserID)
	if err != nil {
		d.logger.Warn("Realtime send failed",
			zap.Int64("conversation_id", in.ConversationID),
			zap.Int64("user_id", c.UserID),
			zap.Error(err),
		)
		d.hub.SendTo(c, EventMessageError, ErrorPayload{Error: "Failed to send message"})
		return
	}

	d.BroadcastNewMessage(ctx, msg)
}

func (d *Dispatcher) markAsRead(ctx context.Context, c *Client, data json.RawMessage) {
	var in markAsReadInput
	if err := json.Unmarshal(data, &in); err != nil || in.MessageID <= 0 {
		d.hub.SendTo(c, EventReadStatusError, ErrorPayload{Error: "Message ID is required"})
		return
	}

	receipt, err := d.store.MarkMessageAsRead(ctx, in.MessageID, c.UserID)
	if err != nil {
		d.logger.Warn("Realtime mark-as-read failed", zap.Int64("message_id", in.MessageID), zap.Error(err))
		d.hub.SendTo(c, EventReadStatusError, ErrorPayload{Error: "Failed to mark message as read"})
		return
	}

	d.NotifyRead(ctx, receipt)
}

func (d *Dispatcher) typing(ctx context.Context, c *Client, data json.RawMessage, event string) {
	id, ok := parseConversationID(data)
	if !ok {
		return
	}
	payload := TypingPayload{ConversationID: id, UserID: c.UserID, UserName: c.UserName}
	if err := d.hub.EmitExcept(ctx, ConversationRoom(id), event, payload, c); err != nil {
		d.logger.Error("Failed to emit typing event", zap.Error(err))
	}
}

// BroadcastNewMessage pushes a stored message to everyone currently in its
// conversation room. Offline participants pick it up on their next read.
func (d *Dispatcher) BroadcastNewMessage(ctx context.Context, m *models.Message) {
	if err := d.hub.Emit(ctx, ConversationRoom(m.ConversationID), EventNewMessage, newMessagePayload(m)); err != nil {
		d.logger.Error("Failed to emit new message", zap.Int64("message_id", m.ID), zap.Error(err))
	}
}

// NotifyRead tells the message's sender that it was read.
func (d *Dispatcher) NotifyRead(ctx context.Context, r *models.ReadReceipt) {
	if err := d.hub.Emit(ctx, UserRoom(r.SenderID), EventMessageRead, r); err != nil {
		d.logger.Error("Failed to emit read receipt", zap.Int64("message_id", r.MessageID), zap.Error(err))
	}
}
