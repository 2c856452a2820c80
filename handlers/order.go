package handlers

import (
	"context"
	"net/http"

	"marketplace-svc/apperr"
	"marketplace-svc/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const tracerName = "marketplace-service"

type OrderService interface {
	CreateOrder(ctx context.Context, req models.CreateOrderRequest, buyerID int64) (*models.Order, error)
	GetOrderByID(ctx context.Context, orderID int64, buyerID *int64) (*models.Order, error)
	GetBuyerOrders(ctx context.Context, buyerID int64, q models.OrderListQuery) (*models.OrderList, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus, actor models.Actor) error
	CancelOrder(ctx context.Context, orderID, buyerID int64) error
	ProducerHasOrderItem(ctx context.Context, orderID, producerUserID int64) (bool, error)
}

type OrderHandler struct {
	orders OrderService
	logger *zap.Logger
}

func NewOrderHandler(orders OrderService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger}
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "CreateOrder")
	defer span.End()

	buyer, ok := buyerID(c)
	if !ok {
		return
	}

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.Int64("buyer.id", buyer), attribute.Int("items", len(req.OrderItems)))

	order, err := h.orders.CreateOrder(ctx, req, buyer)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	span.SetAttributes(attribute.Int64("order.id", order.ID))
	h.logger.Info("Order created", zap.Int64("order_id", order.ID), zap.Int64("buyer_id", buyer))
	c.JSON(http.StatusCreated, order)
}

func (h *OrderHandler) GetOrders(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "GetOrders")
	defer span.End()

	buyer, ok := buyerID(c)
	if !ok {
		return
	}

	var q models.OrderListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	list, err := h.orders.GetBuyerOrders(ctx, buyer, q)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// GetOrder scopes buyers to their own orders and producers to orders that
// contain one of their products. Admins see every order.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "GetOrder")
	defer span.End()

	orderID, ok := paramID(c, "id", "order")
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("order.id", orderID))

	caller := actor(c)
	var scope *int64
	switch caller.Role {
	case models.RoleAdmin:
	case models.RoleProducer:
		has, err := h.orders.ProducerHasOrderItem(ctx, orderID, caller.UserID)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		if !has {
			respondError(c, h.logger, apperr.NotFound("Order not found"))
			return
		}
	default:
		buyer, ok := buyerID(c)
		if !ok {
			return
		}
		scope = &buyer
	}

	order, err := h.orders.GetOrderByID(ctx, orderID, scope)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) UpdateOrderStatus(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "UpdateOrderStatus")
	defer span.End()

	orderID, ok := paramID(c, "id", "order")
	if !ok {
		return
	}

	var req models.UpdateOrderStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.Int64("order.id", orderID), attribute.String("order.status", string(req.Status)))

	if err := h.orders.UpdateOrderStatus(ctx, orderID, req.Status, actor(c)); err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": orderID, "status": req.Status})
}

func (h *OrderHandler) CancelOrder(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "CancelOrder")
	defer span.End()

	orderID, ok := paramID(c, "id", "order")
	if !ok {
		return
	}
	buyer, ok := buyerID(c)
	if !ok {
		return
	}

	if err := h.orders.CancelOrder(ctx, orderID, buyer); err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Order cancelled", zap.Int64("order_id", orderID), zap.Int64("buyer_id", buyer))
	c.JSON(http.StatusOK, gin.H{"id": orderID, "status": models.OrderStatusCancelled})
}
