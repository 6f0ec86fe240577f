package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	maxHandlerRetries = 3
	initialRetryDelay = 1 * time.Second
	maxRetryDelay     = 30 * time.Second
)

// PurchaseEventHandler processes one purchase event, typically by sending
// the WhatsApp confirmation. IsRetryable separates flaky-gateway errors
// from permanently broken events.
type PurchaseEventHandler interface {
	HandleOrderPurchased(event OrderPurchasedEvent) error
	IsRetryable(err error) bool
}

type ConsumerMetrics struct {
	ProcessedCount int64
	RetryCount     int64
	DLQCount       int64
	SuccessCount   int64
	FailureCount   int64
}

type failureMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FailureTime   time.Time `json:"failure_time"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

// KafkaConsumer consumes order.purchased with bounded in-process retry.
// Events that still fail after retries go to the DLQ topic with failure
// metadata in the headers, so nothing is silently dropped.
type KafkaConsumer struct {
	consumerGroup sarama.ConsumerGroup
	producer      sarama.SyncProducer
	handler       PurchaseEventHandler
	logger        *logrus.Logger
	topics        []string
	metrics       *ConsumerMetrics
}

type consumerGroupHandler struct {
	handler  PurchaseEventHandler
	producer sarama.SyncProducer
	logger   *logrus.Logger
	metrics  *ConsumerMetrics
}

func NewKafkaConsumer(brokers, groupID string, handler PurchaseEventHandler, logger *logrus.Logger) (*KafkaConsumer, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), producerConfig)
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	return &KafkaConsumer{
		consumerGroup: consumerGroup,
		producer:      producer,
		handler:       handler,
		logger:        logger,
		topics:        []string{OrderPurchasedTopic},
		metrics:       &ConsumerMetrics{},
	}, nil
}

func (c *KafkaConsumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{
		handler:  c.handler,
		producer: c.producer,
		logger:   c.logger,
		metrics:  c.metrics,
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *KafkaConsumer) Close() error {
	if err := c.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close DLQ producer")
	}
	return c.consumerGroup.Close()
}

func (c *KafkaConsumer) Metrics() ConsumerMetrics {
	return *c.metrics
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			h.metrics.ProcessedCount++

			if err := h.handleWithRetry(message); err != nil {
				h.logger.WithError(err).Error("Failed to process purchase event after retries")
				h.metrics.FailureCount++

				if dlqErr := h.sendToDLQ(message, err); dlqErr != nil {
					h.logger.WithError(dlqErr).Error("Failed to dead-letter purchase event")
				} else {
					h.metrics.DLQCount++
				}
			} else {
				h.metrics.SuccessCount++
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			h.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

func (h *consumerGroupHandler) handleWithRetry(message *sarama.ConsumerMessage) error {
	var event OrderPurchasedEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		h.logger.WithError(err).Error("Failed to unmarshal purchase event")
		return err
	}

	retryDelay := initialRetryDelay

	for attempt := 0; attempt <= maxHandlerRetries; attempt++ {
		if attempt > 0 {
			h.logger.WithFields(logrus.Fields{
				"order_number": event.OrderNumber,
				"attempt":      attempt,
				"delay":        retryDelay,
			}).Info("Retrying purchase event")

			time.Sleep(retryDelay)
			h.metrics.RetryCount++

			retryDelay *= 2
			if retryDelay > maxRetryDelay {
				retryDelay = maxRetryDelay
			}
		}

		err := h.handler.HandleOrderPurchased(event)
		if err == nil {
			return nil
		}

		if !h.handler.IsRetryable(err) {
			h.logger.WithError(err).Error("Non-retryable error processing purchase event")
			return err
		}

		h.logger.WithError(err).WithField("attempt", attempt+1).Warn("Retryable error processing purchase event")
	}

	return fmt.Errorf("exhausted retries for order %s", event.OrderNumber)
}

func (h *consumerGroupHandler) sendToDLQ(message *sarama.ConsumerMessage, processingError error) error {
	metadata := failureMetadata{
		RetryCount:    maxHandlerRetries,
		FailureTime:   time.Now(),
		OriginalTopic: message.Topic,
		ErrorMessage:  processingError.Error(),
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal failure metadata: %w", err)
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: OrderPurchasedDLQTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("failure_time"), Value: []byte(time.Now().Format(time.RFC3339))},
		},
	}

	partition, offset, err := h.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"dlq_topic":     OrderPurchasedDLQTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         processingError.Error(),
	}).Warn("Purchase event sent to dead letter queue")

	return nil
}
