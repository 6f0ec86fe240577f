package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/internal/api"
	"github.com/akanda-apero/orderflow/internal/checkout"
	"github.com/akanda-apero/orderflow/internal/config"
	"github.com/akanda-apero/orderflow/internal/events"
	"github.com/akanda-apero/orderflow/internal/payment"
	"github.com/akanda-apero/orderflow/internal/session"
	"github.com/akanda-apero/orderflow/internal/storage"
	"github.com/akanda-apero/orderflow/internal/ws"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadCheckout()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			logger.Info("Database connection established")
			break
		}
		logger.Info("Waiting for database...")
		time.Sleep(2 * time.Second)
	}

	repo, err := storage.NewOrderRepository(db, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize order repository")
	}

	producer, err := events.NewKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	sessions, err := session.NewStore(cfg.SessionStateDir, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize session store")
	}
	sessions.StartSweeper()
	defer sessions.Close()

	payments := payment.NewClient(cfg.PaymentGateway, logger)

	deps := checkout.Deps{
		Store:         repo,
		Payments:      payments,
		Events:        producer,
		Confirmations: sessions,
		Logger:        logger,
	}

	hub := ws.NewHub(logger)
	go hub.Run()

	server := api.NewServer(deps, repo, logger)
	server.BreakerMetrics = payments.BreakerMetrics
	server.Hub = hub
	server.PendingCarts = sessions

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting checkout service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server gracefully stopped")
}
