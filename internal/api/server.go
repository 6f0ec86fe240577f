// Package api exposes the checkout flow and the back-office order views
// over HTTP. One Flow per session key; sessions are created explicitly.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/internal/cart"
	"github.com/akanda-apero/orderflow/internal/checkout"
	"github.com/akanda-apero/orderflow/internal/ws"
	"github.com/akanda-apero/orderflow/pkg/models"
)

// PendingCartStore holds cart snapshots across an auth redirect.
type PendingCartStore interface {
	SavePendingCart(sessionKey string, items []models.CartLineItem) error
	TakePendingCart(sessionKey string) ([]models.CartLineItem, error)
}

// OrderDirectory is the back-office read/admin side of order storage.
type OrderDirectory interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListOrders(ctx context.Context, status models.OrderStatus) ([]models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error
	CustomerSummaries(ctx context.Context) ([]models.CustomerSummary, error)
}

type Server struct {
	flowDeps  checkout.Deps
	directory OrderDirectory
	logger    *logrus.Logger

	// Optional: surfaced on /health when the payment client provides it.
	BreakerMetrics func() map[string]interface{}
	// Optional: live order feed for back-office dashboards.
	Hub *ws.Hub
	// Optional: cart snapshots surviving an auth redirect.
	PendingCarts PendingCartStore

	mu    sync.Mutex
	flows map[string]*checkout.Flow
}

func NewServer(flowDeps checkout.Deps, directory OrderDirectory, logger *logrus.Logger) *Server {
	return &Server{
		flowDeps:  flowDeps,
		directory: directory,
		logger:    logger,
		flows:     make(map[string]*checkout.Flow),
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.HealthCheck).Methods("GET")

	router.HandleFunc("/sessions", s.CreateSession).Methods("POST")
	router.HandleFunc("/sessions/{key}", s.GetSessionState).Methods("GET")
	router.HandleFunc("/sessions/{key}/cart/items", s.AddCartItem).Methods("POST")
	router.HandleFunc("/sessions/{key}/cart/items/{productID}", s.SetCartItemQuantity).Methods("PUT")
	router.HandleFunc("/sessions/{key}/cart/items/{productID}", s.RemoveCartItem).Methods("DELETE")
	router.HandleFunc("/sessions/{key}/cart", s.ClearCart).Methods("DELETE")
	router.HandleFunc("/sessions/{key}/cart/snapshot", s.SnapshotCart).Methods("POST")
	router.HandleFunc("/sessions/{key}/cart/restore", s.RestoreCart).Methods("POST")
	router.HandleFunc("/sessions/{key}/delivery", s.SubmitDelivery).Methods("POST")
	router.HandleFunc("/sessions/{key}/payment", s.SubmitPayment).Methods("POST")
	router.HandleFunc("/sessions/{key}/back", s.GoBack).Methods("POST")
	router.HandleFunc("/sessions/{key}/resume", s.ResumeConfirmation).Methods("POST")
	router.HandleFunc("/sessions/{key}/new-order", s.StartNewOrder).Methods("POST")

	router.HandleFunc("/orders", s.ListOrders).Methods("GET")
	router.HandleFunc("/orders/{id}", s.GetOrder).Methods("GET")
	router.HandleFunc("/orders/{id}/status", s.UpdateOrderStatus).Methods("PUT")
	router.HandleFunc("/customers", s.ListCustomers).Methods("GET")

	if s.Hub != nil {
		router.HandleFunc("/ws", s.Hub.HandleWebSocket)
	}

	router.Use(loggingMiddleware(s.logger))
	router.Use(corsMiddleware)

	return router
}

func (s *Server) newSessionKey() string {
	return uuid.New().String()
}

func (s *Server) flow(key string) (*checkout.Flow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[key]
	return f, ok
}

func (s *Server) createFlow() (string, *checkout.Flow) {
	key := s.newSessionKey()
	f := checkout.NewFlow(key, cart.New(), s.flowDeps)

	s.mu.Lock()
	s.flows[key] = f
	s.mu.Unlock()
	return key, f
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sessionCount := len(s.flows)
	s.mu.Unlock()

	payload := map[string]interface{}{
		"status":    "healthy",
		"service":   "checkout-service",
		"sessions":  sessionCount,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if s.BreakerMetrics != nil {
		payload["payment_breaker"] = s.BreakerMetrics()
	}
	respondWithJSON(w, http.StatusOK, payload)
}
