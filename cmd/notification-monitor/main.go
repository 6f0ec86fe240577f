// Notification monitor: consumes order.purchased, sends the WhatsApp
// confirmation for each order, watches the DLQ, and pushes everything to
// connected dashboards over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/internal/config"
	"github.com/akanda-apero/orderflow/internal/events"
	"github.com/akanda-apero/orderflow/internal/notify"
	"github.com/akanda-apero/orderflow/internal/ws"
)

// broadcastingHandler wraps the notifier so every delivery outcome also
// reaches the dashboards.
type broadcastingHandler struct {
	notifier *notify.WhatsAppNotifier
	hub      *ws.Hub
}

func (h *broadcastingHandler) HandleOrderPurchased(event events.OrderPurchasedEvent) error {
	err := h.notifier.HandleOrderPurchased(event)
	if err == nil {
		h.hub.Broadcast(ws.EventNotifySent, map[string]interface{}{
			"order_number": event.OrderNumber,
			"customer":     event.CustomerName,
			"total":        event.TotalAmount,
		}, "notification-monitor")
	}
	return err
}

func (h *broadcastingHandler) IsRetryable(err error) bool {
	return h.notifier.IsRetryable(err)
}

type dlqWatcher struct {
	logger *logrus.Logger
	hub    *ws.Hub
}

func (w *dlqWatcher) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (w *dlqWatcher) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (w *dlqWatcher) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		var metadata map[string]interface{}
		for _, header := range message.Headers {
			if string(header.Key) == "metadata" {
				json.Unmarshal(header.Value, &metadata)
			}
		}

		var event events.OrderPurchasedEvent
		json.Unmarshal(message.Value, &event)

		w.logger.WithFields(logrus.Fields{
			"order_number": event.OrderNumber,
			"offset":       message.Offset,
			"metadata":     metadata,
		}).Warn("Dead-lettered purchase event")

		w.hub.Broadcast(ws.EventNotifyDLQ, map[string]interface{}{
			"order_number": event.OrderNumber,
			"customer":     event.CustomerName,
			"error":        metadata["error_message"],
		}, "notification-monitor")

		session.MarkMessage(message, "")
	}
	return nil
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadMonitor()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	hub := ws.NewHub(logger)
	go hub.Run()

	notifier := notify.NewWhatsAppNotifier(cfg.WhatsAppGateway, logger)
	handler := &broadcastingHandler{notifier: notifier, hub: hub}

	var consumer *events.KafkaConsumer
	for i := 0; i < 10; i++ {
		consumer, err = events.NewKafkaConsumer(cfg.KafkaBrokers, cfg.ConsumerGroupID, handler, logger)
		if err == nil {
			logger.Info("Connected to Kafka")
			break
		}
		logger.WithError(err).WithField("attempt", i+1).Warn("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer after retries")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		logger.Info("Consuming purchase events")
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Kafka consumer error")
		}
	}()

	// Separate group on the DLQ topic, so dead letters show up on the
	// dashboard without interfering with the main group's offsets.
	dlqConfig := sarama.NewConfig()
	dlqConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	dlqConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	dlqConfig.Version = sarama.V2_6_0_0

	dlqConsumer, err := sarama.NewConsumerGroup([]string{cfg.KafkaBrokers}, cfg.ConsumerGroupID+"-dlq", dlqConfig)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer dlqConsumer.Close()

	go func() {
		watcher := &dlqWatcher{logger: logger, hub: hub}
		for {
			if err := dlqConsumer.Consume(ctx, []string{events.OrderPurchasedDLQTopic}, watcher); err != nil {
				logger.WithError(err).Error("Error consuming from DLQ")
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(map[string]interface{}{
			"status":  "healthy",
			"service": "notification-monitor",
			"clients": hub.ClientCount(),
			"metrics": consumer.Metrics(),
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}).Methods("GET")
	router.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		payload, _ := json.Marshal(map[string]interface{}{
			"outcomes": notifier.RecentOutcomes(),
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}).Methods("GET")
	router.HandleFunc("/ws", hub.HandleWebSocket)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting notification monitor")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down notification monitor...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
}
