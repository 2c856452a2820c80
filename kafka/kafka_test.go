package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"marketplace-svc/apperr"
	"marketplace-svc/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestPublisher_Publish(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event models.OrderEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.EventType != models.EventOrderCreated || event.OrderID != 42 {
			return errors.New("unexpected event payload")
		}
		return nil
	})

	logger := zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
	p := NewPublisher(producer, logger)

	err := p.Publish(context.Background(), models.TopicOrderEvents, "42", models.OrderEvent{
		EventType: models.EventOrderCreated,
		OrderID:   42,
	})
	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}

	if err := p.Close(); err != nil {
		t.Errorf("Failed to close producer: %v", err)
	}
}

func TestPublisher_PublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewPublisher(producer, zaptest.NewLogger(t))
	err := p.Publish(context.Background(), models.TopicOrderEvents, "", models.OrderEvent{})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("Expected ErrOutOfBrokers, got %v", err)
	}
	_ = p.Close()
}

type fakeProcessor struct {
	mu     sync.Mutex
	calls  int
	errs   []error
	events []models.PaymentWebhookEvent
}

func (f *fakeProcessor) callsSafe() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProcessor) ApplyWebhook(ctx context.Context, event models.PaymentWebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.events = append(f.events, event)
	if len(f.errs) >= f.calls {
		return f.errs[f.calls-1]
	}
	return nil
}

func webhookMessage(t *testing.T, event models.PaymentWebhookEvent) *sarama.ConsumerMessage {
	t.Helper()
	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: models.TopicPaymentWebhooks, Value: data}
}

func TestWebhookConsumer_RetriesTransientFailures(t *testing.T) {
	proc := &fakeProcessor{errs: []error{errors.New("connection reset"), nil}}
	w := NewWebhookConsumer(nil, proc, zaptest.NewLogger(t))
	w.delay = time.Millisecond

	msg := webhookMessage(t, models.PaymentWebhookEvent{PaymentID: 1, Status: models.PaymentStatusCompleted, TransactionID: "TXN_1"})
	if err := w.handleMessageWithRetry(context.Background(), msg); err != nil {
		t.Errorf("Expected retry to succeed, got %v", err)
	}
	if proc.calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", proc.calls)
	}
	if proc.events[1].TransactionID != "TXN_1" {
		t.Errorf("Expected transaction id to be passed through, got %q", proc.events[1].TransactionID)
	}
}

func TestWebhookConsumer_DoesNotRetryExpectedErrors(t *testing.T) {
	proc := &fakeProcessor{errs: []error{apperr.NotFound("Payment not found")}}
	w := NewWebhookConsumer(nil, proc, zaptest.NewLogger(t))
	w.delay = time.Millisecond

	msg := webhookMessage(t, models.PaymentWebhookEvent{PaymentID: 9, Status: models.PaymentStatusFailed})
	if err := w.handleMessageWithRetry(context.Background(), msg); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Expected not found error, got %v", err)
	}
	if proc.calls != 1 {
		t.Errorf("Expected a single attempt, got %d", proc.calls)
	}
}

func TestWebhookConsumer_RejectsMalformedPayload(t *testing.T) {
	proc := &fakeProcessor{}
	w := NewWebhookConsumer(nil, proc, zaptest.NewLogger(t))

	msg := &sarama.ConsumerMessage{Value: []byte("{not json")}
	if err := w.handleMessageWithRetry(context.Background(), msg); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if proc.calls != 0 {
		t.Errorf("Expected processor not to be called")
	}
}

func TestWebhookConsumer_StartStopsOnCancel(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition(models.TopicPaymentWebhooks, 0, sarama.OffsetNewest)

	proc := &fakeProcessor{}
	w := NewWebhookConsumer(consumer, proc, zaptest.NewLogger(t))

	data, _ := json.Marshal(models.PaymentWebhookEvent{PaymentID: 3, Status: models.PaymentStatusCompleted})
	pc.YieldMessage(&sarama.ConsumerMessage{Value: data})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	deadline := time.After(2 * time.Second)
	for proc.callsSafe() == 0 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for webhook to be processed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected clean stop, got %v", err)
	}
	_ = consumer.Close()
}

func TestWebhookConsumer_StartReturnsWhenPartitionCloses(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	pc := consumer.ExpectConsumePartition(models.TopicPaymentWebhooks, 0, sarama.OffsetNewest)

	proc := &fakeProcessor{}
	w := NewWebhookConsumer(consumer, proc, zaptest.NewLogger(t))

	data, _ := json.Marshal(models.PaymentWebhookEvent{PaymentID: 4, Status: models.PaymentStatusCompleted})
	pc.YieldMessage(&sarama.ConsumerMessage{Value: data})

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	deadline := time.After(2 * time.Second)
	for proc.callsSafe() == 0 {
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for webhook to be processed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	pc.AsyncClose()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Start to return once the partition closed")
	}
	if got := proc.callsSafe(); got != 1 {
		t.Errorf("Expected exactly one processed message, got %d", got)
	}
}
