package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"marketplace-svc/apperr"
	"marketplace-svc/middleware"
	"marketplace-svc/models"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	maxRetries = 3
	retryDelay = 500 * time.Millisecond
)

// WebhookProcessor applies a gateway callback to the payment ledger.
type WebhookProcessor interface {
	ApplyWebhook(ctx context.Context, event models.PaymentWebhookEvent) error
}

func InitConsumer(broker string, logger *zap.Logger) (sarama.Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer([]string{broker}, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized")
	return consumer, nil
}

type WebhookConsumer struct {
	consumer  sarama.Consumer
	processor WebhookProcessor
	logger    *zap.Logger
	delay     time.Duration
}

func NewWebhookConsumer(consumer sarama.Consumer, processor WebhookProcessor, logger *zap.Logger) *WebhookConsumer {
	return &WebhookConsumer{consumer: consumer, processor: processor, logger: logger, delay: retryDelay}
}

// Start blocks until ctx is cancelled.
func (w *WebhookConsumer) Start(ctx context.Context) error {
	partitionConsumer, err := w.consumer.ConsumePartition(models.TopicPaymentWebhooks, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition: %w", err)
	}
	defer partitionConsumer.Close()

	w.logger.Info("Kafka consumer started", zap.String("topic", models.TopicPaymentWebhooks))

	for {
		select {
		case message, ok := <-partitionConsumer.Messages():
			if !ok {
				w.logger.Info("Kafka partition consumer closed")
				return nil
			}
			if err := w.handleMessageWithRetry(ctx, message); err != nil {
				w.logger.Error("Failed to handle message after retries",
					zap.Int64("offset", message.Offset),
					zap.Error(err),
				)
			}
		case err, ok := <-partitionConsumer.Errors():
			if !ok {
				w.logger.Info("Kafka partition consumer closed")
				return nil
			}
			w.logger.Error("Kafka consumer error", zap.Error(err))
		case <-ctx.Done():
			w.logger.Info("Kafka consumer stopped")
			return nil
		}
	}
}

func (w *WebhookConsumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = w.handleMessage(ctx, message)
		if err == nil {
			return nil
		}
		// Bad payloads and rejected transitions will not succeed on retry.
		if apperr.KindOf(err) != apperr.KindServer {
			return err
		}
		w.logger.Warn("Retrying webhook", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-time.After(time.Duration(attempt) * w.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (w *WebhookConsumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	carrier := saramaHeaderCarrierConsumer(message.Headers)
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	ctx, span := otel.Tracer("marketplace-service").Start(ctx, "HandlePaymentWebhook")
	defer span.End()

	var event models.PaymentWebhookEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		span.RecordError(err)
		return apperr.Validationf("failed to unmarshal webhook: %v", err)
	}
	if event.PaymentID == 0 || !event.Status.Valid() {
		return apperr.Validation("webhook is missing payment_id or has an invalid status")
	}

	span.SetAttributes(
		attribute.Int64("payment.id", event.PaymentID),
		attribute.String("payment.status", string(event.Status)),
	)

	if err := w.processor.ApplyWebhook(ctx, event); err != nil {
		span.RecordError(err)
		return err
	}

	w.logger.Info("Payment webhook applied",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.Int64("payment_id", event.PaymentID),
		zap.String("status", string(event.Status)),
		zap.String("transaction_id", event.TransactionID),
	)
	return nil
}

// saramaHeaderCarrierConsumer adapts consumer headers to propagation.TextMapCarrier.
type saramaHeaderCarrierConsumer []*sarama.RecordHeader

func (c saramaHeaderCarrierConsumer) Get(key string) string {
	for _, h := range c {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c saramaHeaderCarrierConsumer) Set(key, value string) {}

func (c saramaHeaderCarrierConsumer) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		if h != nil {
			keys = append(keys, string(h.Key))
		}
	}
	return keys
}
