package handlers

import (
	"context"
	"net/http"

	"marketplace-svc/apperr"
	"marketplace-svc/models"
	"marketplace-svc/payments"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type PaymentService interface {
	Pay(ctx context.Context, req models.PayRequest, buyerID int64) (*payments.PayResult, error)
	GetPaymentByID(ctx context.Context, paymentID int64) (*models.Payment, error)
	GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status models.PaymentStatus, transactionID *string) (*models.Payment, error)
	OrderOwner(ctx context.Context, orderID int64) (int64, error)

	CreateTransaction(ctx context.Context, req models.CreateTransactionRequest) (*models.Transaction, error)
	GetTransactionByID(ctx context.Context, id int64) (*models.Transaction, error)
	GetTransactionsByOrderID(ctx context.Context, orderID int64) ([]models.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id int64, status models.TransactionStatus) (*models.Transaction, error)
}

type PaymentHandler struct {
	payments PaymentService
	logger   *zap.Logger
}

func NewPaymentHandler(payments PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, logger: logger}
}

func (h *PaymentHandler) Pay(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "Pay")
	defer span.End()

	buyer, ok := buyerID(c)
	if !ok {
		return
	}

	var req models.PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(attribute.Int64("order.id", req.OrderID))

	res, err := h.payments.Pay(ctx, req, buyer)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("Payment processed",
		zap.Int64("payment_id", res.Payment.ID),
		zap.Int64("order_id", res.Payment.OrderID),
		zap.String("status", string(res.Result.Status)),
	)
	c.JSON(http.StatusCreated, res)
}

// authorizeOrder lets admins through and otherwise requires the caller to be
// the buyer who placed the order. A mismatch reads as not found.
func (h *PaymentHandler) authorizeOrder(c *gin.Context, orderID int64) bool {
	if actor(c).Role == models.RoleAdmin {
		return true
	}
	buyer, ok := buyerID(c)
	if !ok {
		return false
	}
	owner, err := h.payments.OrderOwner(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, h.logger, err)
		return false
	}
	if owner != buyer {
		respondError(c, h.logger, apperr.NotFound("Order not found"))
		return false
	}
	return true
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	paymentID, ok := paramID(c, "id", "payment")
	if !ok {
		return
	}

	p, err := h.payments.GetPaymentByID(c.Request.Context(), paymentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !h.authorizeOrder(c, p.OrderID) {
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PaymentHandler) GetOrderPayments(c *gin.Context) {
	orderID, ok := paramID(c, "id", "order")
	if !ok {
		return
	}
	if !h.authorizeOrder(c, orderID) {
		return
	}

	list, err := h.payments.GetPaymentsByOrderID(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *PaymentHandler) UpdatePaymentStatus(c *gin.Context) {
	ctx, span := otel.Tracer(tracerName).Start(c.Request.Context(), "UpdatePaymentStatus")
	defer span.End()

	paymentID, ok := paramID(c, "id", "payment")
	if !ok {
		return
	}

	var req models.UpdatePaymentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.payments.UpdatePaymentStatus(ctx, paymentID, req.PaymentStatus, req.TransactionID)
	if err != nil {
		span.RecordError(err)
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *PaymentHandler) CreateTransaction(c *gin.Context) {
	var req models.CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.payments.CreateTransaction(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *PaymentHandler) GetTransaction(c *gin.Context) {
	id, ok := paramID(c, "id", "transaction")
	if !ok {
		return
	}
	t, err := h.payments.GetTransactionByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *PaymentHandler) GetOrderTransactions(c *gin.Context) {
	orderID, ok := paramID(c, "id", "order")
	if !ok {
		return
	}
	list, err := h.payments.GetTransactionsByOrderID(c.Request.Context(), orderID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *PaymentHandler) UpdateTransactionStatus(c *gin.Context) {
	id, ok := paramID(c, "id", "transaction")
	if !ok {
		return
	}

	var req models.UpdateTransactionStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.payments.UpdateTransactionStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, t)
}
