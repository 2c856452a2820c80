package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"marketplace-svc/apperr"
	"marketplace-svc/database"
	"marketplace-svc/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// LedgerEntry is a settled charge to be written to the transactions ledger.
type LedgerEntry struct {
	OrderID               int64
	Amount                decimal.Decimal
	ExternalTransactionID string
	PaymentMethod         string
	Type                  models.TransactionType
	Status                models.TransactionStatus
	Details               json.RawMessage
}

const transactionColumns = "id, order_id, amount, external_transaction_id, payment_method, transaction_date, transaction_type, status, details"

func scanTransaction(row scanner) (*models.Transaction, error) {
	var t models.Transaction
	var details []byte
	if err := row.Scan(&t.ID, &t.OrderID, &t.Amount, &t.ExternalTransactionID, &t.PaymentMethod,
		&t.TransactionDate, &t.TransactionType, &t.Status, &details); err != nil {
		return nil, err
	}
	if len(details) > 0 {
		t.Details = json.RawMessage(details)
	}
	return &t, nil
}

// RecordTransaction appends a ledger row. The external transaction id is
// unique, so recording the same charge twice is a no-op and created is false.
func (s *Service) RecordTransaction(ctx context.Context, q database.Querier, e LedgerEntry) (*models.Transaction, bool, error) {
	if e.Type == "" {
		e.Type = models.TransactionTypePayment
	}
	if e.Status == "" {
		e.Status = models.TransactionStatusCompleted
	}

	t, err := scanTransaction(q.QueryRowContext(ctx,
		`INSERT INTO transactions (order_id, amount, external_transaction_id, payment_method, transaction_type, status, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_transaction_id) DO NOTHING
		RETURNING `+transactionColumns,
		e.OrderID, e.Amount, e.ExternalTransactionID, e.PaymentMethod, e.Type, e.Status, nullJSON(e.Details),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to record transaction: %w", err)
	}
	return t, true, nil
}

// CreateTransaction records a manual ledger entry. A repeated external id
// returns the entry already on file.
func (s *Service) CreateTransaction(ctx context.Context, req models.CreateTransactionRequest) (*models.Transaction, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "payments.CreateTransaction")
	defer span.End()

	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("Amount must be greater than zero")
	}
	if req.TransactionType == "" {
		req.TransactionType = models.TransactionTypePayment
	}
	if !req.TransactionType.Valid() {
		return nil, apperr.Validation("Invalid transaction type. Type must be one of: Payment, Refund, Chargeback")
	}
	if req.Status == "" {
		req.Status = models.TransactionStatusPending
	}
	if !req.Status.Valid() {
		return nil, invalidTransactionStatus()
	}
	if req.ExternalTransactionID == "" {
		req.ExternalTransactionID = uuid.NewString()
	}

	if _, err := s.OrderOwner(ctx, req.OrderID); err != nil {
		return nil, err
	}

	t, created, err := s.RecordTransaction(ctx, s.db, LedgerEntry{
		OrderID:               req.OrderID,
		Amount:                req.Amount,
		ExternalTransactionID: req.ExternalTransactionID,
		PaymentMethod:         req.PaymentMethod,
		Type:                  req.TransactionType,
		Status:                req.Status,
		Details:               req.Details,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !created {
		return s.transactionByExternalID(ctx, req.ExternalTransactionID)
	}

	s.logger.Info("Transaction recorded",
		zap.Int64("transaction_id", t.ID),
		zap.Int64("order_id", t.OrderID),
		zap.String("external_transaction_id", t.ExternalTransactionID),
	)
	return t, nil
}

func invalidTransactionStatus() error {
	return apperr.Validation("Invalid status. Status must be one of: Pending, Completed, Failed")
}

func (s *Service) transactionByExternalID(ctx context.Context, externalID string) (*models.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE external_transaction_id = $1", externalID))
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return t, nil
}

func (s *Service) GetTransactionByID(ctx context.Context, id int64) (*models.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("Transaction not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return t, nil
}

func (s *Service) GetTransactionsByOrderID(ctx context.Context, orderID int64) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE order_id = $1 ORDER BY transaction_date DESC", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	out := []models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTransactionStatus changes a ledger entry's status. Completing a
// Payment entry also completes the order's latest payment and moves the
// order forward.
func (s *Service) UpdateTransactionStatus(ctx context.Context, id int64, status models.TransactionStatus) (*models.Transaction, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "payments.UpdateTransactionStatus")
	defer span.End()

	if !status.Valid() {
		return nil, invalidTransactionStatus()
	}

	var t *models.Transaction
	settled := false
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		t, err = scanTransaction(tx.QueryRowContext(ctx,
			"UPDATE transactions SET status = $1 WHERE id = $2 RETURNING "+transactionColumns,
			status, id,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("Transaction not found")
		}
		if err != nil {
			return fmt.Errorf("failed to update transaction: %w", err)
		}

		if status != models.TransactionStatusCompleted || t.TransactionType != models.TransactionTypePayment {
			return nil
		}

		var paymentID int64
		err = tx.QueryRowContext(ctx,
			`UPDATE payments SET payment_status = $1, transaction_id = $2
			WHERE id = (SELECT id FROM payments WHERE order_id = $3 ORDER BY payment_date DESC LIMIT 1)
			RETURNING id`,
			models.PaymentStatusCompleted, t.ExternalTransactionID, t.OrderID,
		).Scan(&paymentID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to complete payment: %w", err)
		}

		var current models.OrderStatus
		if err := tx.QueryRowContext(ctx,
			"SELECT status FROM orders WHERE id = $1 FOR UPDATE", t.OrderID,
		).Scan(&current); err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}
		if _, err := projectOntoOrder(ctx, tx, t.OrderID, current, models.PaymentStatusCompleted); err != nil {
			return err
		}
		settled = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if settled {
		s.invalidate(ctx, t.OrderID)
	}
	return t, nil
}
