// Package payments records payment attempts, talks to the gateway and keeps
// the parent order's status in line with the payment outcome.
package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"marketplace-svc/apperr"
	"marketplace-svc/circuitbreaker"
	"marketplace-svc/database"
	"marketplace-svc/middleware"
	"marketplace-svc/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const tracerName = "marketplace-service"

type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
}

// OrderInvalidator drops cached copies of an order after its status changes.
type OrderInvalidator interface {
	Invalidate(ctx context.Context, orderID int64)
}

type Service struct {
	db      *sql.DB
	gateway Gateway
	breaker *circuitbreaker.CircuitBreaker
	orders  OrderInvalidator
	events  EventPublisher
	logger  *zap.Logger
}

func NewService(
	db *sql.DB,
	gateway Gateway,
	breaker *circuitbreaker.CircuitBreaker,
	orders OrderInvalidator,
	events EventPublisher,
	logger *zap.Logger,
) *Service {
	if breaker == nil {
		breaker = circuitbreaker.NewCircuitBreaker(5, 30*time.Second)
	}
	return &Service{
		db:      db,
		gateway: gateway,
		breaker: breaker,
		orders:  orders,
		events:  events,
		logger:  logger,
	}
}

type PayResult struct {
	Payment *models.Payment       `json:"payment"`
	Result  *models.PaymentResult `json:"result"`
}

// Pay records a pending payment for the buyer's order, charges it through the
// gateway and applies the outcome.
func (s *Service) Pay(ctx context.Context, req models.PayRequest, buyerID int64) (*PayResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "payments.Pay")
	defer span.End()
	span.SetAttributes(attribute.Int64("order.id", req.OrderID))

	if !models.ValidPaymentMethod(req.PaymentMethod) {
		return nil, apperr.Validationf("Invalid payment method: %s", req.PaymentMethod)
	}

	payment, err := s.CreatePayment(ctx, req, &buyerID)
	if err != nil {
		return nil, err
	}

	result, err := s.ProcessPayment(ctx, models.ChargeRequest{
		OrderID:       payment.OrderID,
		PaymentID:     payment.ID,
		Amount:        payment.Amount,
		PaymentMethod: payment.PaymentMethod,
		Details:       req.PaymentDetails,
	})
	if err != nil {
		// The payment stays Pending; a later webhook can still settle it.
		span.RecordError(err)
		return nil, err
	}

	var txnID *string
	if result.TransactionID != "" {
		txnID = &result.TransactionID
	}
	updated, err := s.UpdatePaymentStatus(ctx, payment.ID, result.Status, txnID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &PayResult{Payment: updated, Result: result}, nil
}

// CreatePayment inserts a Pending payment for the order's total and mirrors
// it onto the order in the same transaction. When buyerID is set the order
// must belong to that buyer.
func (s *Service) CreatePayment(ctx context.Context, req models.PayRequest, buyerID *int64) (*models.Payment, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "payments.CreatePayment")
	defer span.End()

	payment := &models.Payment{
		OrderID:        req.OrderID,
		PaymentMethod:  req.PaymentMethod,
		PaymentStatus:  models.PaymentStatusPending,
		PaymentDetails: req.PaymentDetails,
	}

	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var owner int64
		var current models.OrderStatus
		var paid models.PaymentStatus
		err := tx.QueryRowContext(ctx,
			"SELECT buyer_id, total_amount, status, payment_status FROM orders WHERE id = $1 FOR UPDATE",
			req.OrderID,
		).Scan(&owner, &payment.Amount, &current, &paid)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Order not found")
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		if buyerID != nil && owner != *buyerID {
			return apperr.Forbidden("You are not authorized to pay for this order")
		}
		if current == models.OrderStatusCancelled {
			return apperr.Conflict("Cannot pay for a cancelled order")
		}
		if paid == models.PaymentStatusCompleted || paid == models.PaymentStatusRefunded {
			return apperr.Conflict("Order has already been paid")
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO payments (order_id, amount, payment_method, payment_status, payment_details)
			VALUES ($1, $2, $3, $4, $5) RETURNING id, payment_date`,
			payment.OrderID, payment.Amount, payment.PaymentMethod, payment.PaymentStatus, nullJSON(payment.PaymentDetails),
		).Scan(&payment.ID, &payment.PaymentDate)
		if err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}

		_, err = projectOntoOrder(ctx, tx, payment.OrderID, current, payment.PaymentStatus)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.invalidate(ctx, payment.OrderID)
	s.logger.Info("Payment created",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("order_id", payment.OrderID),
		zap.String("amount", payment.Amount.StringFixed(2)),
	)
	return payment, nil
}

// UpdatePaymentStatus changes a payment and projects the outcome onto its
// order in one transaction, so the two never diverge.
func (s *Service) UpdatePaymentStatus(ctx context.Context, paymentID int64, status models.PaymentStatus, transactionID *string) (*models.Payment, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "payments.UpdatePaymentStatus")
	defer span.End()
	span.SetAttributes(attribute.Int64("payment.id", paymentID), attribute.String("payment.status", string(status)))

	if !status.Valid() {
		return nil, apperr.Validationf("Invalid payment status: %s", status)
	}

	var payment *models.Payment
	var orderStatus models.OrderStatus
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		payment, err = scanPayment(tx.QueryRowContext(ctx,
			`UPDATE payments SET payment_status = $1, transaction_id = COALESCE($2, transaction_id)
			WHERE id = $3 RETURNING `+paymentColumns,
			status, transactionID, paymentID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Payment not found")
		}
		if err != nil {
			return fmt.Errorf("failed to update payment: %w", err)
		}

		var current models.OrderStatus
		if err := tx.QueryRowContext(ctx,
			"SELECT status FROM orders WHERE id = $1 FOR UPDATE", payment.OrderID,
		).Scan(&current); err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		orderStatus, err = projectOntoOrder(ctx, tx, payment.OrderID, current, status)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.invalidate(ctx, payment.OrderID)
	s.publish(ctx, payment, orderStatus)
	s.logger.Info("Payment status updated",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int64("payment_id", payment.ID),
		zap.Int64("order_id", payment.OrderID),
		zap.String("payment_status", string(status)),
		zap.String("order_status", string(orderStatus)),
	)
	return payment, nil
}

func projectOntoOrder(ctx context.Context, q database.Querier, orderID int64, current models.OrderStatus, ps models.PaymentStatus) (models.OrderStatus, error) {
	status, orderPayment := models.ProjectPayment(current, ps)
	if _, err := q.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, status = $2 WHERE id = $3",
		orderPayment, status, orderID,
	); err != nil {
		return "", fmt.Errorf("failed to update order payment status: %w", err)
	}
	return status, nil
}

// ProcessPayment charges through the gateway. On approval the charge is
// written to the ledger; a ledger failure is logged and does not change the
// result returned to the caller.
func (s *Service) ProcessPayment(ctx context.Context, req models.ChargeRequest) (*models.PaymentResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "payments.ProcessPayment")
	defer span.End()

	var charge *ChargeResult
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		charge, err = s.gateway.Charge(ctx, req)
		return err
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Error("Payment gateway call failed",
			zap.Int64("order_id", req.OrderID),
			zap.String("breaker_state", s.breaker.GetState().String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("payment gateway call failed: %w", err)
	}

	result := &models.PaymentResult{
		Success:       charge.Approved,
		TransactionID: charge.TransactionID,
		Status:        models.PaymentStatusFailed,
		Message:       charge.Message,
	}
	if charge.Approved {
		result.Status = models.PaymentStatusCompleted
		if _, _, err := s.RecordTransaction(ctx, s.db, LedgerEntry{
			OrderID:               req.OrderID,
			Amount:                req.Amount,
			ExternalTransactionID: charge.TransactionID,
			PaymentMethod:         req.PaymentMethod,
			Details:               req.Details,
		}); err != nil {
			s.logger.Error("Failed to record transaction",
				zap.Int64("order_id", req.OrderID),
				zap.String("transaction_id", charge.TransactionID),
				zap.Error(err),
			)
		}
	}

	middleware.RecordPaymentProcessed(string(result.Status))
	span.SetAttributes(attribute.Bool("payment.success", result.Success))
	return result, nil
}

const paymentColumns = "id, order_id, amount, payment_method, payment_status, transaction_id, payment_date, payment_details"

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (*models.Payment, error) {
	var p models.Payment
	var details []byte
	if err := row.Scan(&p.ID, &p.OrderID, &p.Amount, &p.PaymentMethod, &p.PaymentStatus,
		&p.TransactionID, &p.PaymentDate, &details); err != nil {
		return nil, err
	}
	if len(details) > 0 {
		p.PaymentDetails = json.RawMessage(details)
	}
	return &p, nil
}

func (s *Service) GetPaymentByID(ctx context.Context, paymentID int64) (*models.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = $1", paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Payment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return p, nil
}

func (s *Service) GetPaymentsByOrderID(ctx context.Context, orderID int64) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY payment_date DESC", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	out := []models.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// OrderOwner returns the buyer that owns an order.
func (s *Service) OrderOwner(ctx context.Context, orderID int64) (int64, error) {
	var buyerID int64
	err := s.db.QueryRowContext(ctx, "SELECT buyer_id FROM orders WHERE id = $1", orderID).Scan(&buyerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.NotFound("Order not found")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load order: %w", err)
	}
	return buyerID, nil
}

// ApplyWebhook settles a payment from a gateway callback. Redelivery is safe:
// the status update is idempotent and the ledger ignores a known external id.
func (s *Service) ApplyWebhook(ctx context.Context, event models.PaymentWebhookEvent) error {
	var txnID *string
	if event.TransactionID != "" {
		txnID = &event.TransactionID
	}

	payment, err := s.UpdatePaymentStatus(ctx, event.PaymentID, event.Status, txnID)
	if err != nil {
		return err
	}

	if event.Status != models.PaymentStatusCompleted || event.TransactionID == "" {
		return nil
	}

	_, created, err := s.RecordTransaction(ctx, s.db, LedgerEntry{
		OrderID:               payment.OrderID,
		Amount:                payment.Amount,
		ExternalTransactionID: event.TransactionID,
		PaymentMethod:         payment.PaymentMethod,
	})
	if err != nil {
		return err
	}
	if !created {
		s.logger.Info("Duplicate webhook ignored by ledger", zap.String("transaction_id", event.TransactionID))
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, orderID int64) {
	if s.orders != nil {
		s.orders.Invalidate(ctx, orderID)
	}
}

func (s *Service) publish(ctx context.Context, p *models.Payment, orderStatus models.OrderStatus) {
	if s.events == nil {
		return
	}
	event := models.PaymentEvent{
		EventType:     models.EventPaymentUpdated,
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		PaymentStatus: p.PaymentStatus,
		OrderStatus:   orderStatus,
		Amount:        p.Amount,
		OccurredAt:    time.Now().UTC(),
	}
	if p.TransactionID != nil {
		event.TransactionID = *p.TransactionID
	}
	if err := s.events.Publish(ctx, models.TopicPaymentEvents, strconv.FormatInt(p.OrderID, 10), event); err != nil {
		s.logger.Error("Failed to publish payment event", zap.Int64("payment_id", p.ID), zap.Error(err))
	}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
