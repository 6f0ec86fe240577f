// Package events publishes and consumes the order.purchased stream. The
// checkout service emits one event per successful order; the notification
// monitor consumes them to drive WhatsApp confirmations.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/pkg/models"
)

const (
	OrderPurchasedTopic    = "order.purchased"
	OrderPurchasedDLQTopic = "order.purchased.dlq"
)

type OrderPurchasedEvent struct {
	OrderID       string               `json:"order_id"`
	OrderNumber   string               `json:"order_number"`
	CustomerName  string               `json:"customer_name"`
	CustomerPhone string               `json:"customer_phone"`
	WhatsAppPhone string               `json:"whatsapp_phone,omitempty"`
	TotalAmount   int64                `json:"total_amount"`
	LoyaltyPoints int                  `json:"loyalty_points"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	CreatedAt     time.Time            `json:"created_at"`
	EventTime     time.Time            `json:"event_time"`
}

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func NewKafkaProducer(brokers string, logger *logrus.Logger) (*KafkaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), config)
	if err != nil {
		return nil, err
	}

	return &KafkaProducer{
		producer: producer,
		logger:   logger,
	}, nil
}

func (p *KafkaProducer) PublishOrderPurchased(event OrderPurchasedEvent) error {
	event.EventTime = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: OrderPurchasedTopic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).Error("Failed to send purchase event to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":        OrderPurchasedTopic,
		"partition":    partition,
		"offset":       offset,
		"order_number": event.OrderNumber,
	}).Info("Purchase event published")

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
