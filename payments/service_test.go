package payments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"marketplace-svc/apperr"
	"marketplace-svc/circuitbreaker"
	"marketplace-svc/database/dbtest"
	"marketplace-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var paymentCols = []string{"id", "order_id", "amount", "payment_method", "payment_status", "transaction_id", "payment_date", "payment_details"}
var orderLockCols = []string{"buyer_id", "total_amount", "status", "payment_status"}
var transactionCols = []string{"id", "order_id", "amount", "external_transaction_id", "payment_method", "transaction_date", "transaction_type", "status", "details"}

type fakeGateway struct {
	result *ChargeResult
	err    error
	calls  int
}

func (g *fakeGateway) Charge(ctx context.Context, req models.ChargeRequest) (*ChargeResult, error) {
	g.calls++
	return g.result, g.err
}

type recordingPublisher struct {
	events []models.PaymentEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, key string, event any) error {
	if e, ok := event.(models.PaymentEvent); ok {
		p.events = append(p.events, e)
	}
	return nil
}

type recordingInvalidator struct {
	ids []int64
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, orderID int64) {
	r.ids = append(r.ids, orderID)
}

type paymentFixture struct {
	svc     *Service
	mock    sqlmock.Sqlmock
	gateway *fakeGateway
	pub     *recordingPublisher
	inval   *recordingInvalidator
}

func setupPaymentTest(t *testing.T) *paymentFixture {
	db, mock := dbtest.New(t)
	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	f := &paymentFixture{
		mock:    mock,
		gateway: &fakeGateway{},
		pub:     &recordingPublisher{},
		inval:   &recordingInvalidator{},
	}
	f.svc = NewService(db, f.gateway, circuitbreaker.NewCircuitBreaker(3, time.Minute), f.inval, f.pub, logger)
	return f
}

func expectCreatePayment(mock sqlmock.Sqlmock, orderID, buyerID, paymentID int64, total string) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT buyer_id, total_amount, status, payment_status FROM orders").
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows(orderLockCols).AddRow(buyerID, total, "Pending", "Pending"))
	mock.ExpectQuery("INSERT INTO payments").
		WithArgs(orderID, dbtest.Decimal(total), "Credit Card", "Pending", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "payment_date"}).AddRow(paymentID, time.Now()))
	mock.ExpectExec("UPDATE orders SET payment_status").
		WithArgs("Pending", "Pending", orderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func expectUpdatePayment(mock sqlmock.Sqlmock, paymentID, orderID int64, status string, txnID any, orderBefore, orderAfter string) {
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments SET payment_status").
		WithArgs(status, txnID, paymentID).
		WillReturnRows(sqlmock.NewRows(paymentCols).
			AddRow(paymentID, orderID, "25.00", "Credit Card", status, txnID, time.Now(), nil))
	mock.ExpectQuery("SELECT status FROM orders").
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(orderBefore))
	mock.ExpectExec("UPDATE orders SET payment_status").
		WithArgs(status, orderAfter, orderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestPay_ApprovedCompletesPaymentAndAdvancesOrder(t *testing.T) {
	f := setupPaymentTest(t)
	f.gateway.result = &ChargeResult{Approved: true, TransactionID: "TXN_1", Message: "Payment processed successfully"}

	expectCreatePayment(f.mock, 5, 7, 40, "25.00")
	f.mock.ExpectQuery("INSERT INTO transactions").
		WithArgs(5, dbtest.Decimal("25"), "TXN_1", "Credit Card", "Payment", "Completed", nil).
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow(1, 5, "25.00", "TXN_1", "Credit Card", time.Now(), "Payment", "Completed", nil))
	expectUpdatePayment(f.mock, 40, 5, "Completed", "TXN_1", "Pending", "Processing")

	res, err := f.svc.Pay(context.Background(), models.PayRequest{OrderID: 5, PaymentMethod: "Credit Card"}, 7)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !res.Result.Success || res.Result.Status != models.PaymentStatusCompleted {
		t.Errorf("Expected a completed result, got %+v", res.Result)
	}
	if res.Payment.TransactionID == nil || *res.Payment.TransactionID != "TXN_1" {
		t.Errorf("Expected transaction id TXN_1, got %v", res.Payment.TransactionID)
	}
	if len(f.pub.events) != 1 || f.pub.events[0].OrderStatus != models.OrderStatusProcessing {
		t.Errorf("Expected one payment event with order Processing, got %+v", f.pub.events)
	}
	if len(f.inval.ids) == 0 || f.inval.ids[len(f.inval.ids)-1] != 5 {
		t.Errorf("Expected order 5 to be invalidated, got %v", f.inval.ids)
	}

	dbtest.ExpectationsMet(t, f.mock)
}

func TestPay_DeclinedFailsPaymentAndCancelsOrder(t *testing.T) {
	f := setupPaymentTest(t)
	f.gateway.result = &ChargeResult{Approved: false, Message: "Payment processing failed"}

	expectCreatePayment(f.mock, 5, 7, 40, "25.00")
	expectUpdatePayment(f.mock, 40, 5, "Failed", nil, "Pending", "Cancelled")

	res, err := f.svc.Pay(context.Background(), models.PayRequest{OrderID: 5, PaymentMethod: "Credit Card"}, 7)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if res.Result.Success || res.Result.Status != models.PaymentStatusFailed {
		t.Errorf("Expected a failed result, got %+v", res.Result)
	}
	if res.Result.Message != "Payment processing failed" {
		t.Errorf("Expected failure message, got %q", res.Result.Message)
	}

	dbtest.ExpectationsMet(t, f.mock)
}

func TestPay_GatewayErrorLeavesPaymentPending(t *testing.T) {
	f := setupPaymentTest(t)
	f.gateway.err = errors.New("connection refused")

	expectCreatePayment(f.mock, 5, 7, 40, "25.00")

	_, err := f.svc.Pay(context.Background(), models.PayRequest{OrderID: 5, PaymentMethod: "Credit Card"}, 7)
	if err == nil {
		t.Fatal("Expected gateway error")
	}
	if apperr.KindOf(err) != apperr.KindServer {
		t.Errorf("Expected server error kind, got %v", apperr.KindOf(err))
	}

	dbtest.ExpectationsMet(t, f.mock)
}

func TestPay_InvalidMethod(t *testing.T) {
	f := setupPaymentTest(t)

	_, err := f.svc.Pay(context.Background(), models.PayRequest{OrderID: 5, PaymentMethod: "Barter"}, 7)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if f.gateway.calls != 0 {
		t.Errorf("Expected gateway not to be called")
	}
}

func TestCreatePayment_OtherBuyerForbidden(t *testing.T) {
	f := setupPaymentTest(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT buyer_id, total_amount, status, payment_status FROM orders").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(orderLockCols).AddRow(8, "25.00", "Pending", "Pending"))
	f.mock.ExpectRollback()

	buyer := int64(7)
	_, err := f.svc.CreatePayment(context.Background(), models.PayRequest{OrderID: 5, PaymentMethod: "Credit Card"}, &buyer)
	if !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("Expected authorization error, got %v", err)
	}

	dbtest.ExpectationsMet(t, f.mock)
}

func TestCreatePayment_OrderNotFound(t *testing.T) {
	f := setupPaymentTest(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT buyer_id, total_amount, status, payment_status FROM orders").
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows(orderLockCols))
	f.mock.ExpectRollback()

	_, err := f.svc.CreatePayment(context.Background(), models.PayRequest{OrderID: 99, PaymentMethod: "Credit Card"}, nil)
	if !apperr.Is(err, apperr.KindNotFound) || apperr.PublicMessage(err) != "Order not found" {
		t.Errorf("Expected Order not found, got %v", err)
	}

	dbtest.ExpectationsMet(t, f.mock)
}

func TestCreatePayment_AlreadyPaid(t *testing.T) {
	for _, paid := range []string{"Completed", "Refunded"} {
		t.Run(paid, func(t *testing.T) {
			f := setupPaymentTest(t)

			f.mock.ExpectBegin()
			f.mock.ExpectQuery("SELECT buyer_id, total_amount, status, payment_status FROM orders").
				WithArgs(5).
				WillReturnRows(sqlmock.NewRows(orderLockCols).AddRow(7, "25.00", "Processing", paid))
			f.mock.ExpectRollback()

			_, err := f.svc.Pay(context.Background(), models.PayRequest{OrderID: 5, PaymentMethod: "Credit Card"}, 7)
			if !apperr.Is(err, apperr.KindConflict) || apperr.PublicMessage(err) != "Order has already been paid" {
				t.Errorf("Expected already paid conflict, got %v", err)
			}
			if f.gateway.calls != 0 {
				t.Errorf("Expected gateway not to be called, got %d calls", f.gateway.calls)
			}
			if len(f.pub.events) != 0 {
				t.Errorf("Expected no payment events, got %d", len(f.pub.events))
			}

			dbtest.ExpectationsMet(t, f.mock)
		})
	}
}

func TestUpdatePaymentStatus_ProjectsOntoOrder(t *testing.T) {
	tests := []struct {
		name        string
		status      models.PaymentStatus
		orderBefore models.OrderStatus
		orderAfter  models.OrderStatus
		orderPay    string
	}{
		{"completed moves pending forward", models.PaymentStatusCompleted, models.OrderStatusPending, models.OrderStatusProcessing, "Completed"},
		{"completed keeps shipped", models.PaymentStatusCompleted, models.OrderStatusShipped, models.OrderStatusShipped, "Completed"},
		{"failed cancels pending", models.PaymentStatusFailed, models.OrderStatusPending, models.OrderStatusCancelled, "Failed"},
		{"failed cancels processing", models.PaymentStatusFailed, models.OrderStatusProcessing, models.OrderStatusCancelled, "Failed"},
		{"failed keeps delivered", models.PaymentStatusFailed, models.OrderStatusDelivered, models.OrderStatusDelivered, "Failed"},
		{"processing reads as pending", models.PaymentStatusProcessing, models.OrderStatusPending, models.OrderStatusPending, "Pending"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupPaymentTest(t)

			f.mock.ExpectBegin()
			f.mock.ExpectQuery("UPDATE payments SET payment_status").
				WithArgs(string(tt.status), nil, 40).
				WillReturnRows(sqlmock.NewRows(paymentCols).
					AddRow(40, 5, "25.00", "Credit Card", string(tt.status), nil, time.Now(), nil))
			f.mock.ExpectQuery("SELECT status FROM orders").
				WithArgs(5).
				WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(tt.orderBefore)))
			f.mock.ExpectExec("UPDATE orders SET payment_status").
				WithArgs(tt.orderPay, string(tt.orderAfter), 5).
				WillReturnResult(sqlmock.NewResult(0, 1))
			f.mock.ExpectCommit()

			p, err := f.svc.UpdatePaymentStatus(context.Background(), 40, tt.status, nil)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if p.PaymentStatus != tt.status {
				t.Errorf("Expected payment status %s, got %s", tt.status, p.PaymentStatus)
			}
			if f.pub.events[0].OrderStatus != tt.orderAfter {
				t.Errorf("Expected order status %s, got %s", tt.orderAfter, f.pub.events[0].OrderStatus)
			}

			dbtest.ExpectationsMet(t, f.mock)
		})
	}
}

func TestUpdatePaymentStatus_NotFound(t *testing.T) {
	f := setupPaymentTest(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE payments SET payment_status").
		WillReturnRows(sqlmock.NewRows(paymentCols))
	f.mock.ExpectRollback()

	_, err := f.svc.UpdatePaymentStatus(context.Background(), 404, models.PaymentStatusCompleted, nil)
	if !apperr.Is(err, apperr.KindNotFound) || apperr.PublicMessage(err) != "Payment not found" {
		t.Errorf("Expected Payment not found, got %v", err)
	}

	dbtest.ExpectationsMet(t, f.mock)
}

func TestUpdatePaymentStatus_InvalidStatus(t *testing.T) {
	f := setupPaymentTest(t)

	_, err := f.svc.UpdatePaymentStatus(context.Background(), 40, "Paid", nil)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestApplyWebhook_RedeliveryIsIdempotent(t *testing.T) {
	f := setupPaymentTest(t)
	event := models.PaymentWebhookEvent{PaymentID: 40, OrderID: 5, Status: models.PaymentStatusCompleted, TransactionID: "TXN_9"}

	expectUpdatePayment(f.mock, 40, 5, "Completed", "TXN_9", "Pending", "Processing")
	f.mock.ExpectQuery("INSERT INTO transactions").
		WithArgs(5, dbtest.Decimal("25"), "TXN_9", "Credit Card", "Payment", "Completed", nil).
		WillReturnRows(sqlmock.NewRows(transactionCols).
			AddRow(1, 5, "25.00", "TXN_9", "Credit Card", time.Now(), "Payment", "Completed", nil))

	expectUpdatePayment(f.mock, 40, 5, "Completed", "TXN_9", "Processing", "Processing")
	f.mock.ExpectQuery("INSERT INTO transactions").
		WithArgs(5, dbtest.Decimal("25"), "TXN_9", "Credit Card", "Payment", "Completed", nil).
		WillReturnRows(sqlmock.NewRows(transactionCols))

	for i := 0; i < 2; i++ {
		if err := f.svc.ApplyWebhook(context.Background(), event); err != nil {
			t.Fatalf("Delivery %d: expected no error, got %v", i+1, err)
		}
	}

	dbtest.ExpectationsMet(t, f.mock)
}

func TestProcessPayment_OpenBreakerSkipsGateway(t *testing.T) {
	f := setupPaymentTest(t)
	f.gateway.err = errors.New("timeout")
	req := models.ChargeRequest{OrderID: 5, PaymentID: 40, Amount: decimal.NewFromInt(25), PaymentMethod: "Credit Card"}

	for i := 0; i < 3; i++ {
		if _, err := f.svc.ProcessPayment(context.Background(), req); err == nil {
			t.Fatalf("Expected gateway error on call %d", i+1)
		}
	}

	_, err := f.svc.ProcessPayment(context.Background(), req)
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Errorf("Expected open circuit, got %v", err)
	}
	if f.gateway.calls != 3 {
		t.Errorf("Expected 3 gateway calls, got %d", f.gateway.calls)
	}
}

func TestStubGateway(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	g := &StubGateway{successRate: 0.9, now: func() time.Time { return now }}
	req := models.ChargeRequest{OrderID: 1, Amount: decimal.NewFromInt(10)}

	g.rnd = func() float64 { return 0.5 }
	res, err := g.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !res.Approved || !strings.HasPrefix(res.TransactionID, "TXN_1700000000000_") {
		t.Errorf("Expected approved charge with TXN id, got %+v", res)
	}

	g.rnd = func() float64 { return 0.95 }
	res, _ = g.Charge(context.Background(), req)
	if res.Approved || res.TransactionID != "" {
		t.Errorf("Expected declined charge without id, got %+v", res)
	}
}
