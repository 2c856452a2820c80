package payments

import (
	"context"
	"testing"
	"time"

	"marketplace-svc/apperr"
	"marketplace-svc/database/dbtest"
	"marketplace-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
)

func TestRecordTransaction_DuplicateIsNoOp(t *testing.T) {
	f := setupPaymentTest(t)
	f.mock.ExpectQuery("INSERT INTO transactions .* ON CONFLICT \\(external_transaction_id\\) DO NOTHING").
		WithArgs(int64(5), dbtest.Decimal("25.00"), "TXN_1", "PayPal", "Payment", "Completed", nil).
		WillReturnRows(sqlmock.NewRows(transactionCols))

	txn, created, err := f.svc.RecordTransaction(context.Background(), f.svc.db, LedgerEntry{
		OrderID:               5,
		Amount:                decimal.RequireFromString("25.00"),
		ExternalTransactionID: "TXN_1",
		PaymentMethod:         "PayPal",
	})

	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if created || txn != nil {
		t.Errorf("Expected duplicate to be skipped, got created=%v txn=%+v", created, txn)
	}
	dbtest.ExpectationsMet(t, f.mock)
}

func TestCreateTransaction_ReturnsExistingOnDuplicate(t *testing.T) {
	f := setupPaymentTest(t)
	f.mock.ExpectQuery("SELECT buyer_id FROM orders").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"buyer_id"}).AddRow(1))
	f.mock.ExpectQuery("INSERT INTO transactions").
		WillReturnRows(sqlmock.NewRows(transactionCols))
	f.mock.ExpectQuery("SELECT .* FROM transactions WHERE external_transaction_id = \\$1").
		WithArgs("EXT-9").
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow(12, 5, "10.00", "EXT-9", "PayPal", time.Now(), "Payment", "Pending", nil))

	txn, err := f.svc.CreateTransaction(context.Background(), models.CreateTransactionRequest{
		OrderID:               5,
		Amount:                decimal.RequireFromString("10.00"),
		ExternalTransactionID: "EXT-9",
		PaymentMethod:         "PayPal",
	})

	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if txn.ID != 12 {
		t.Errorf("Expected existing transaction 12, got %d", txn.ID)
	}
	dbtest.ExpectationsMet(t, f.mock)
}

func TestCreateTransaction_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  models.CreateTransactionRequest
	}{
		{"zero amount", models.CreateTransactionRequest{OrderID: 5, Amount: decimal.Zero, PaymentMethod: "PayPal"}},
		{"bad type", models.CreateTransactionRequest{OrderID: 5, Amount: decimal.NewFromInt(1), PaymentMethod: "PayPal", TransactionType: "Gift"}},
		{"bad status", models.CreateTransactionRequest{OrderID: 5, Amount: decimal.NewFromInt(1), PaymentMethod: "PayPal", Status: "Lost"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupPaymentTest(t)
			_, err := f.svc.CreateTransaction(context.Background(), tt.req)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateTransaction_OrderNotFound(t *testing.T) {
	f := setupPaymentTest(t)
	f.mock.ExpectQuery("SELECT buyer_id FROM orders").
		WithArgs(int64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"buyer_id"}))

	_, err := f.svc.CreateTransaction(context.Background(), models.CreateTransactionRequest{
		OrderID: 404, Amount: decimal.NewFromInt(1), PaymentMethod: "PayPal",
	})

	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestGetTransactionByID_NotFound(t *testing.T) {
	f := setupPaymentTest(t)
	f.mock.ExpectQuery("SELECT .* FROM transactions WHERE id = \\$1").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(transactionCols))

	_, err := f.svc.GetTransactionByID(context.Background(), 3)

	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestGetTransactionsByOrderID(t *testing.T) {
	f := setupPaymentTest(t)
	f.mock.ExpectQuery("SELECT .* FROM transactions WHERE order_id = \\$1 ORDER BY transaction_date DESC").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow(2, 5, "10.00", "EXT-2", "PayPal", time.Now(), "Refund", "Completed", nil).
			AddRow(1, 5, "10.00", "EXT-1", "PayPal", time.Now().Add(-time.Hour), "Payment", "Completed", []byte(`{"note":"ok"}`)))

	txns, err := f.svc.GetTransactionsByOrderID(context.Background(), 5)

	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(txns) != 2 || txns[0].TransactionType != models.TransactionTypeRefund {
		t.Errorf("Unexpected transactions %+v", txns)
	}
	if string(txns[1].Details) != `{"note":"ok"}` {
		t.Errorf("Expected details to be kept, got %s", txns[1].Details)
	}
}

func TestUpdateTransactionStatus_CompletingPaymentSettlesOrder(t *testing.T) {
	f := setupPaymentTest(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE transactions SET status = \\$1 WHERE id = \\$2").
		WithArgs("Completed", int64(8)).
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow(8, 5, "25.00", "EXT-8", "PayPal", time.Now(), "Payment", "Completed", nil))
	f.mock.ExpectQuery("UPDATE payments SET payment_status").
		WithArgs("Completed", "EXT-8", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(40))
	f.mock.ExpectQuery("SELECT status FROM orders WHERE id = \\$1 FOR UPDATE").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("Pending"))
	f.mock.ExpectExec("UPDATE orders SET payment_status").
		WithArgs("Completed", "Processing", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	txn, err := f.svc.UpdateTransactionStatus(context.Background(), 8, models.TransactionStatusCompleted)

	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if txn.Status != models.TransactionStatusCompleted {
		t.Errorf("Expected Completed, got %s", txn.Status)
	}
	if len(f.inval.ids) != 1 || f.inval.ids[0] != 5 {
		t.Errorf("Expected order 5 invalidated, got %v", f.inval.ids)
	}
	dbtest.ExpectationsMet(t, f.mock)
}

func TestUpdateTransactionStatus_RefundLeavesPayments(t *testing.T) {
	f := setupPaymentTest(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE transactions SET status").
		WithArgs("Completed", int64(9)).
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow(9, 5, "25.00", "EXT-9", "PayPal", time.Now(), "Refund", "Completed", nil))
	f.mock.ExpectCommit()

	if _, err := f.svc.UpdateTransactionStatus(context.Background(), 9, models.TransactionStatusCompleted); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(f.inval.ids) != 0 {
		t.Errorf("Expected no invalidation, got %v", f.inval.ids)
	}
	dbtest.ExpectationsMet(t, f.mock)
}

func TestUpdateTransactionStatus_NotFound(t *testing.T) {
	f := setupPaymentTest(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE transactions SET status").
		WithArgs("Failed", int64(3)).
		WillReturnRows(sqlmock.NewRows(transactionCols))
	f.mock.ExpectRollback()

	_, err := f.svc.UpdateTransactionStatus(context.Background(), 3, models.TransactionStatusFailed)

	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Expected not found, got %v", err)
	}
	dbtest.ExpectationsMet(t, f.mock)
}
