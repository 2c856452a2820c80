// Package realtime fans conversation events out to websocket connections,
// locally through the hub and across instances through a relay.
package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"marketplace-svc/models"
)

// Client to server events.
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventMarkAsRead        = "mark-as-read"
	EventTyping            = "typing"
	EventStopTyping        = "stop-typing"
)

// Server to client events.
const (
	EventNewMessage      = "new-message"
	EventMessageRead     = "message-read"
	EventUserTyping      = "user-typing"
	EventUserStopTyping  = "user-stop-typing"
	EventMessageError    = "message-error"
	EventReadStatusError = "read-status-error"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func UserRoom(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

func ConversationRoom(conversationID int64) string {
	return "conversation:" + strconv.FormatInt(conversationID, 10)
}

type NewMessagePayload struct {
	MessageID      int64           `json:"messageId"`
	ConversationID int64           `json:"conversationId"`
	SenderID       int64           `json:"senderId"`
	SenderName     string          `json:"senderName"`
	Content        string          `json:"content"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	SentAt         time.Time       `json:"sentAt"`
}

func newMessagePayload(m *models.Message) NewMessagePayload {
	return NewMessagePayload{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Attachments:    m.Attachments,
		SentAt:         m.SentAt,
	}
}

type TypingPayload struct {
	ConversationID int64  `json:"conversationId"`
	UserID         int64  `json:"userId"`
	UserName       string `json:"userName"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type sendMessageInput struct {
	ConversationID int64           `json:"conversationId"`
	Content        string          `json:"content"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
}

type markAsReadInput struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
}

type conversationInput struct {
	ConversationID int64 `json:"conversationId"`
}

// parseConversationID accepts either a bare id or {"conversationId": id}.
func parseConversationID(data json.RawMessage) (int64, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, false
	}
	if data[0] == '{' {
		var in conversationInput
		if err := json.Unmarshal(data, &in); err != nil {
			return 0, false
		}
		return in.ConversationID, in.ConversationID > 0
	}

	var id int64
	if err := json.Unmarshal(data, &id); err == nil {
		return id, id > 0
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		id, err := strconv.ParseInt(s, 10, 64)
		return id, err == nil && id > 0
	}
	return 0, false
}
