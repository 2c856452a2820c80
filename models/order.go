package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusShipped    OrderStatus = "Shipped"
	OrderStatusDelivered  OrderStatus = "Delivered"
	OrderStatusCancelled  OrderStatus = "Cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a buyer may still cancel an order in this status.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusProcessing
}

var forwardOrder = map[OrderStatus]int{
	OrderStatusPending:    0,
	OrderStatusProcessing: 1,
	OrderStatusShipped:    2,
	OrderStatusDelivered:  3,
}

// CanTransition implements Pending -> Processing -> Shipped -> Delivered
// (forward only, steps may be skipped) and Pending|Processing -> Cancelled.
func CanTransition(from, to OrderStatus) bool {
	if to == OrderStatusCancelled {
		return from.Cancellable()
	}
	f, ok := forwardOrder[from]
	if !ok {
		return false
	}
	t, ok := forwardOrder[to]
	if !ok {
		return false
	}
	return t > f
}

var PaymentMethods = []string{"Credit Card", "Debit Card", "PayPal", "Bank Transfer", "Cash on Delivery"}

func ValidPaymentMethod(m string) bool {
	for _, pm := range PaymentMethods {
		if pm == m {
			return true
		}
	}
	return false
}

type Order struct {
	ID                int64           `json:"id"`
	BuyerID           int64           `json:"buyerId"`
	ShippingAddressID int64           `json:"shippingAddressId"`
	OrderDate         time.Time       `json:"orderDate"`
	TotalAmount       decimal.Decimal `json:"totalAmount"`
	Status            OrderStatus     `json:"status"`
	PaymentMethod     string          `json:"paymentMethod"`
	PaymentStatus     PaymentStatus   `json:"paymentStatus"`
	ShippingCost      decimal.Decimal `json:"shippingCost"`
	DeliveryDate      *time.Time      `json:"deliveryDate,omitempty"`
	Notes             *string         `json:"notes,omitempty"`
	Items             []OrderItem     `json:"items"`
}

// ItemsTotal sums the persisted item subtotals.
func (o *Order) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.Subtotal)
	}
	return sum
}

type OrderItem struct {
	ID            int64           `json:"id"`
	OrderID       int64           `json:"orderId"`
	ProductID     int64           `json:"productId"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	ProducerNotes *string         `json:"producerNotes,omitempty"`
	BuyerNotes    *string         `json:"buyerNotes,omitempty"`
}

// OrderItemInput is one requested line. UnitPrice and Subtotal are informative
// only (cart projection); the order is always priced from the product table.
type OrderItemInput struct {
	ProductID  int64            `json:"productId"`
	Quantity   int              `json:"quantity"`
	UnitPrice  *decimal.Decimal `json:"unitPrice,omitempty"`
	Subtotal   *decimal.Decimal `json:"subtotal,omitempty"`
	BuyerNotes *string          `json:"buyerNotes,omitempty"`
}

type CreateOrderRequest struct {
	OrderItems        []OrderItemInput `json:"orderItems"`
	PaymentMethod     string           `json:"paymentMethod"`
	ShippingAddressID int64            `json:"shippingAddressId"`
	ShippingCost      *decimal.Decimal `json:"shippingCost,omitempty"`
	DeliveryDate      *time.Time       `json:"deliveryDate,omitempty"`
	Notes             *string          `json:"notes,omitempty"`
}

// CheckoutRequest carries the order fields that do not come from the cart.
type CheckoutRequest struct {
	PaymentMethod     string           `json:"paymentMethod"`
	ShippingAddressID int64            `json:"shippingAddressId"`
	ShippingCost      *decimal.Decimal `json:"shippingCost,omitempty"`
	DeliveryDate      *time.Time       `json:"deliveryDate,omitempty"`
	Notes             *string          `json:"notes,omitempty"`
}

type UpdateOrderStatusRequest struct {
	Status OrderStatus `json:"status" binding:"required"`
}

type OrderListQuery struct {
	Page   int    `form:"page"`
	Limit  int    `form:"limit"`
	Status string `form:"status"`
}

type Pagination struct {
	Total       int `json:"total"`
	TotalPages  int `json:"totalPages"`
	CurrentPage int `json:"currentPage"`
	Limit       int `json:"limit"`
}

func NewPagination(total, page, limit int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Total: total, TotalPages: pages, CurrentPage: page, Limit: limit}
}

type OrderList struct {
	Orders     []Order    `json:"orders"`
	Pagination Pagination `json:"pagination"`
}
