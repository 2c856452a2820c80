package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const ProductStatusOutOfStock = "Out of Stock"

type Cart struct {
	ID        int64     `json:"id"`
	BuyerID   int64     `json:"buyerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CartItem struct {
	ID           int64           `json:"id"`
	CartID       int64           `json:"cartId"`
	ProductID    int64           `json:"productId"`
	ProductTitle string          `json:"productTitle,omitempty"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Subtotal     decimal.Decimal `json:"subtotal"`
}

type CartView struct {
	Cart          Cart            `json:"cart"`
	Items         []CartItem      `json:"items"`
	ItemCount     int             `json:"itemCount"`
	TotalQuantity int             `json:"totalQuantity"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

type AddToCartRequest struct {
	ProductID int64 `json:"productId" binding:"required,gt=0"`
	Quantity  int   `json:"quantity"`
}

type UpdateCartItemRequest struct {
	Quantity int `json:"quantity"`
}

type SyncCartItem struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

type SyncCartRequest struct {
	Items []SyncCartItem `json:"items"`
}

type CheckoutResult struct {
	Order *Order `json:"order"`
}
