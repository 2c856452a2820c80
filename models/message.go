package models

import (
	"encoding/json"
	"time"
)

type Conversation struct {
	ID            int64         `json:"id"`
	Topic         string        `json:"topic"`
	StartedBy     int64         `json:"startedBy"`
	OrderID       *int64        `json:"orderId,omitempty"`
	LastMessageAt *time.Time    `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	Participants  []Participant `json:"participants,omitempty"`
}

type Participant struct {
	UserID            int64     `json:"userId"`
	Role              string    `json:"role"`
	FirstName         string    `json:"firstName"`
	LastName          string    `json:"lastName"`
	JoinedAt          time.Time `json:"joinedAt"`
	LastReadMessageID *int64    `json:"lastReadMessageId,omitempty"`
}

type ConversationSummary struct {
	Conversation
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversationId"`
	SenderID       int64           `json:"senderId"`
	SenderName     string          `json:"senderName,omitempty"`
	Content        string          `json:"content"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	SentAt         time.Time       `json:"sentAt"`
	ReadAt         *time.Time      `json:"readAt,omitempty"`
	IsDeleted      bool            `json:"-"`
}

type CreateConversationRequest struct {
	Topic          string  `json:"topic"`
	ParticipantIDs []int64 `json:"participantIds"`
	OrderID        *int64  `json:"orderId,omitempty"`
}

type SendMessageRequest struct {
	ConversationID int64           `json:"conversationId"`
	Content        string          `json:"content"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
}

type MessagePage struct {
	TotalMessages int       `json:"totalMessages"`
	TotalPages    int       `json:"totalPages"`
	CurrentPage   int       `json:"currentPage"`
	Messages      []Message `json:"messages"`
}

type ReadReceipt struct {
	MessageID      int64     `json:"messageId"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"-"`
	ReadBy         int64     `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}
