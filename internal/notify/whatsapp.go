// Package notify sends WhatsApp order confirmations through the messaging
// gateway and keeps a short in-memory log of outcomes for the dashboard.
package notify

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/internal/events"
)

const outcomeRingSize = 100

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Outcome records one delivery attempt, kept for the dashboard feed.
type Outcome struct {
	OrderNumber string    `json:"order_number"`
	Phone       string    `json:"phone"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// WhatsAppNotifier implements events.PurchaseEventHandler.
type WhatsAppNotifier struct {
	gatewayURL string
	httpClient *http.Client
	logger     *logrus.Logger

	mu       sync.Mutex
	outcomes []Outcome
}

func NewWhatsAppNotifier(gatewayURL string, logger *logrus.Logger) *WhatsAppNotifier {
	return &WhatsAppNotifier{
		gatewayURL: gatewayURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// HandleOrderPurchased sends the confirmation message. Falls back to the
// customer phone when no separate WhatsApp number was given.
func (n *WhatsAppNotifier) HandleOrderPurchased(event events.OrderPurchasedEvent) error {
	phone := event.WhatsAppPhone
	if phone == "" {
		phone = event.CustomerPhone
	}

	err := n.send(phone, confirmationMessage(event))
	n.record(event, phone, err)

	if err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{
			"order_number": event.OrderNumber,
			"phone":        phone,
		}).Error("Failed to send WhatsApp confirmation")
		return err
	}

	n.logger.WithFields(logrus.Fields{
		"order_number": event.OrderNumber,
		"phone":        phone,
	}).Info("WhatsApp confirmation sent")
	return nil
}

// IsRetryable treats transport failures and gateway 5xx as transient.
// Anything the gateway rejected outright will not improve with retries.
func (n *WhatsAppNotifier) IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func (n *WhatsAppNotifier) send(phone, message string) error {
	payload, err := json.Marshal(sendRequest{To: phone, Message: message})
	if err != nil {
		return fmt.Errorf("failed to marshal send request: %w", err)
	}

	resp, err := n.httpClient.Post(n.gatewayURL+"/messages", "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return &retryableError{fmt.Errorf("gateway unreachable: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &retryableError{fmt.Errorf("gateway returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway rejected message with %d", resp.StatusCode)
	}

	var body sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &retryableError{fmt.Errorf("failed to decode gateway response: %w", err)}
	}
	if !body.Success {
		return fmt.Errorf("gateway refused message: %s", body.Message)
	}
	return nil
}

func confirmationMessage(event events.OrderPurchasedEvent) string {
	return fmt.Sprintf(
		"Merci %s ! Votre commande %s est confirmée. Total: %d FCFA. Points fidélité gagnés: %d. Akanda Apéro 🍹",
		event.CustomerName, event.OrderNumber, event.TotalAmount, event.LoyaltyPoints,
	)
}

func (n *WhatsAppNotifier) record(event events.OrderPurchasedEvent, phone string, err error) {
	outcome := Outcome{
		OrderNumber: event.OrderNumber,
		Phone:       phone,
		Success:     err == nil,
		Timestamp:   time.Now(),
	}
	if err != nil {
		outcome.Error = err.Error()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, outcome)
	if len(n.outcomes) > outcomeRingSize {
		n.outcomes = n.outcomes[len(n.outcomes)-outcomeRingSize:]
	}
}

// RecentOutcomes returns delivery attempts newest first.
func (n *WhatsAppNotifier) RecentOutcomes() []Outcome {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Outcome, len(n.outcomes))
	for i, o := range n.outcomes {
		out[len(n.outcomes)-1-i] = o
	}
	return out
}
