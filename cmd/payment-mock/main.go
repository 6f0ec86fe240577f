// Mobile money gateway mock for local development. Charges sit in pending
// for a configurable number of status reads, then settle; a slice of them
// fail so the unhappy paths get exercised too.
package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/internal/config"
	"github.com/akanda-apero/orderflow/internal/payment"
)

var referencePattern = regexp.MustCompile(`^AKA-\d{11}$`)

type charge struct {
	Reference string `json:"reference"`
	Amount    int64  `json:"amount"`
	Provider  string `json:"provider"`
	Phone     string `json:"customer_phone"`
	Status    string `json:"status"`
	Polls     int    `json:"polls"`
	WillFail  bool   `json:"-"`
}

type gateway struct {
	logger           *logrus.Logger
	settleAfterPolls int
	failureRate      int

	mu      sync.Mutex
	charges map[string]*charge
}

type chargeRequest struct {
	Reference     string `json:"reference"`
	Amount        int64  `json:"amount"`
	Provider      string `json:"provider"`
	CustomerPhone string `json:"customer_phone"`
}

func (g *gateway) createCharge(w http.ResponseWriter, r *http.Request) {
	var req chargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false, "message": "invalid request body",
		})
		return
	}

	if !referencePattern.MatchString(req.Reference) {
		respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false, "message": "malformed payment reference",
		})
		return
	}
	if req.Amount <= 0 {
		respondWithJSON(w, http.StatusBadRequest, map[string]interface{}{
			"success": false, "message": "amount must be positive",
		})
		return
	}

	c := &charge{
		Reference: req.Reference,
		Amount:    req.Amount,
		Provider:  req.Provider,
		Phone:     req.CustomerPhone,
		Status:    payment.StatusPending,
		WillFail:  rand.Intn(100) < g.failureRate,
	}

	g.mu.Lock()
	if _, exists := g.charges[req.Reference]; exists {
		g.mu.Unlock()
		respondWithJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false, "message": "reference already used",
		})
		return
	}
	g.charges[req.Reference] = c
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"reference": c.Reference,
		"amount":    c.Amount,
		"provider":  c.Provider,
	}).Info("Charge created")

	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success":   true,
		"reference": c.Reference,
	})
}

func (g *gateway) chargeStatus(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]

	g.mu.Lock()
	c, ok := g.charges[reference]
	var status string
	if ok {
		if c.Status == payment.StatusPending {
			c.Polls++
			// Simulates the customer approving (or ignoring) the prompt on
			// their phone after a few checks.
			if c.Polls >= g.settleAfterPolls {
				if c.WillFail {
					c.Status = payment.StatusFailed
				} else {
					c.Status = payment.StatusCompleted
				}
			}
		}
		status = c.Status
	}
	g.mu.Unlock()

	if !ok {
		respondWithJSON(w, http.StatusNotFound, map[string]interface{}{
			"success": false, "message": "unknown reference",
		})
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  status,
	})
}

func (g *gateway) listCharges(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	charges := make([]charge, 0, len(g.charges))
	for _, c := range g.charges {
		charges = append(charges, *c)
	}
	g.mu.Unlock()

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"charges": charges,
		"count":   len(charges),
	})
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "payment-mock",
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadPaymentMock()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	g := &gateway{
		logger:           logger,
		settleAfterPolls: cfg.SettleAfterPolls,
		failureRate:      cfg.FailureRate,
		charges:          make(map[string]*charge),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", healthCheck).Methods("GET")
	router.HandleFunc("/payments", g.createCharge).Methods("POST")
	router.HandleFunc("/payments", g.listCharges).Methods("GET")
	router.HandleFunc("/payments/{reference}/status", g.chargeStatus).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting payment gateway mock")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
}
