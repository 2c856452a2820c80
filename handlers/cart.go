package handlers

import (
	"context"
	"net/http"

	"marketplace-svc/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type CartService interface {
	GetCart(ctx context.Context, buyerID int64) (*models.CartView, error)
	AddToCart(ctx context.Context, buyerID, productID int64, quantity int) (*models.CartItem, error)
	UpdateCartItem(ctx context.Context, buyerID, itemID int64, quantity int) (*models.CartItem, error)
	RemoveFromCart(ctx context.Context, buyerID, itemID int64) error
	ClearCart(ctx context.Context, buyerID int64) error
	SyncCart(ctx context.Context, buyerID int64, items []models.SyncCartItem) (*models.CartView, error)
	Checkout(ctx context.Context, buyerID int64, req models.CheckoutRequest) (*models.Order, error)
}

// CartHandler serves the buyer's own cart; every route requires a buyer.
type CartHandler struct {
	cart   CartService
	logger *zap.Logger
}

func NewCartHandler(cart CartService, logger *zap.Logger) *CartHandler {
	return &CartHandler{cart: cart, logger: logger}
}

func (h *CartHandler) GetCart(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}
	view, err := h.cart.GetCart(c.Request.Context(), buyer)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *CartHandler) AddItem(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "AddToCart")
	defer span.End()

	buyer, ok := buyerID(c)
	if !ok {
		return
	}

	var req models.AddToCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	span.SetAttributes(attribute.Int64("product.id", req.ProductID), attribute.Int("quantity", req.Quantity))

	item, err := h.cart.AddToCart(ctx, buyer, req.ProductID, req.Quantity)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *CartHandler) UpdateItem(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}
	itemID, ok := paramID(c, "itemId", "cart item")
	if !ok {
		return
	}

	var req models.UpdateCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.cart.UpdateCartItem(c.Request.Context(), buyer, itemID, req.Quantity)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *CartHandler) RemoveItem(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}
	itemID, ok := paramID(c, "itemId", "cart item")
	if !ok {
		return
	}

	if err := h.cart.RemoveFromCart(c.Request.Context(), buyer, itemID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Item removed from cart"})
}

func (h *CartHandler) ClearCart(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}
	if err := h.cart.ClearCart(c.Request.Context(), buyer); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cart cleared"})
}

func (h *CartHandler) SyncCart(c *gin.Context) {
	buyer, ok := buyerID(c)
	if !ok {
		return
	}

	var req models.SyncCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := h.cart.SyncCart(c.Request.Context(), buyer, req.Items)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *CartHandler) Checkout(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "Checkout")
	defer span.End()

	buyer, ok := buyerID(c)
	if !ok {
		return
	}

	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.cart.Checkout(ctx, buyer, req)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	span.SetAttributes(attribute.Int64("order.id", order.ID))
	h.logger.Info("Cart checked out", zap.Int64("order_id", order.ID), zap.Int64("buyer_id", buyer))
	c.JSON(http.StatusCreated, models.CheckoutResult{Order: order})
}
