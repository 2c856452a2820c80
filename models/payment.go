package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "Pending"
	PaymentStatusProcessing PaymentStatus = "Processing"
	PaymentStatusCompleted  PaymentStatus = "Completed"
	PaymentStatusFailed     PaymentStatus = "Failed"
	PaymentStatusRefunded   PaymentStatus = "Refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// ProjectPayment derives the order's (status, paymentStatus) from a payment
// outcome. Orders have no Processing payment state, so it reads as Pending.
// A completed payment only moves a Pending order forward; a failed one only
// cancels an order that has not shipped.
func ProjectPayment(current OrderStatus, payment PaymentStatus) (OrderStatus, PaymentStatus) {
	orderPayment := payment
	if payment == PaymentStatusProcessing {
		orderPayment = PaymentStatusPending
	}

	switch payment {
	case PaymentStatusCompleted:
		if current == OrderStatusPending {
			return OrderStatusProcessing, orderPayment
		}
	case PaymentStatusFailed:
		if current.Cancellable() {
			return OrderStatusCancelled, orderPayment
		}
	}
	return current, orderPayment
}

type Payment struct {
	ID             int64           `json:"id"`
	OrderID        int64           `json:"orderId"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentMethod  string          `json:"paymentMethod"`
	PaymentStatus  PaymentStatus   `json:"paymentStatus"`
	TransactionID  *string         `json:"transactionId,omitempty"`
	PaymentDate    time.Time       `json:"paymentDate"`
	PaymentDetails json.RawMessage `json:"paymentDetails,omitempty"`
}

type PayRequest struct {
	OrderID        int64           `json:"orderId" binding:"required,gt=0"`
	PaymentMethod  string          `json:"paymentMethod" binding:"required"`
	PaymentDetails json.RawMessage `json:"paymentDetails,omitempty"`
}

type UpdatePaymentStatusRequest struct {
	PaymentStatus PaymentStatus `json:"paymentStatus" binding:"required"`
	TransactionID *string       `json:"transactionId,omitempty"`
}

type ChargeRequest struct {
	OrderID       int64
	PaymentID     int64
	Amount        decimal.Decimal
	PaymentMethod string
	Details       json.RawMessage
}

type PaymentResult struct {
	Success       bool          `json:"success"`
	TransactionID string        `json:"transactionId,omitempty"`
	Status        PaymentStatus `json:"status"`
	Message       string        `json:"message"`
}

type TransactionType string

const (
	TransactionTypePayment    TransactionType = "Payment"
	TransactionTypeRefund     TransactionType = "Refund"
	TransactionTypeChargeback TransactionType = "Chargeback"
)

func (t TransactionType) Valid() bool {
	return t == TransactionTypePayment || t == TransactionTypeRefund || t == TransactionTypeChargeback
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "Pending"
	TransactionStatusCompleted TransactionStatus = "Completed"
	TransactionStatusFailed    TransactionStatus = "Failed"
)

func (s TransactionStatus) Valid() bool {
	return s == TransactionStatusPending || s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// Transaction is an immutable ledger entry keyed by the gateway's id.
type Transaction struct {
	ID                    int64             `json:"id"`
	OrderID               int64             `json:"orderId"`
	Amount                decimal.Decimal   `json:"amount"`
	ExternalTransactionID string            `json:"externalTransactionId"`
	PaymentMethod         string            `json:"paymentMethod"`
	TransactionDate       time.Time         `json:"transactionDate"`
	TransactionType       TransactionType   `json:"transactionType"`
	Status                TransactionStatus `json:"status"`
	Details               json.RawMessage   `json:"details,omitempty"`
}

type CreateTransactionRequest struct {
	OrderID               int64             `json:"orderId" binding:"required,gt=0"`
	Amount                decimal.Decimal   `json:"amount"`
	ExternalTransactionID string            `json:"externalTransactionId"`
	PaymentMethod         string            `json:"paymentMethod" binding:"required"`
	TransactionType       TransactionType   `json:"transactionType"`
	Status                TransactionStatus `json:"status"`
	Details               json.RawMessage   `json:"details,omitempty"`
}

type UpdateTransactionStatusRequest struct {
	Status TransactionStatus `json:"status" binding:"required"`
}

// PaymentWebhookEvent is a gateway callback delivered on the payment_webhooks topic.
type PaymentWebhookEvent struct {
	PaymentID     int64           `json:"payment_id"`
	OrderID       int64           `json:"order_id"`
	Status        PaymentStatus   `json:"status"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
}
