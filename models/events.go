package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicOrderEvents     = "order_events"
	TopicPaymentEvents   = "payment_events"
	TopicPaymentWebhooks = "payment_webhooks"
)

const (
	EventOrderCreated       = "order_created"
	EventOrderStatusChanged = "order_status_changed"
	EventOrderCancelled     = "order_cancelled"
	EventPaymentUpdated     = "payment_updated"
)

type OrderEvent struct {
	EventType     string          `json:"event_type"`
	OrderID       int64           `json:"order_id"`
	BuyerID       int64           `json:"buyer_id"`
	Status        OrderStatus     `json:"status"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type PaymentEvent struct {
	EventType     string          `json:"event_type"`
	PaymentID     int64           `json:"payment_id"`
	OrderID       int64           `json:"order_id"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	OrderStatus   OrderStatus     `json:"order_status"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transaction_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
