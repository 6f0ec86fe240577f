// Package payment talks to the mobile-money gateway (Airtel Money / Moov
// Money). A charge is a two-step affair: initiate, then poll the status
// endpoint until the customer approves or the charge dies.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/internal/circuitbreaker"
	"github.com/akanda-apero/orderflow/pkg/models"
)

// Charge statuses reported by the gateway. Anything not listed here is
// treated as still in progress.
const (
	StatusCompleted = "completed"
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
	StatusTimeout   = "timeout"
	StatusPending   = "pending"
)

func terminalSuccess(status string) bool {
	return status == StatusCompleted || status == StatusSuccess
}

func terminalFailure(status string) bool {
	return status == StatusFailed || status == StatusCancelled || status == StatusExpired
}

type ChargeParams struct {
	Reference     string              `json:"reference"`
	Amount        int64               `json:"amount"`
	Description   string              `json:"description"`
	CustomerName  string              `json:"customer_name"`
	CustomerPhone string              `json:"customer_phone"`
	Provider      string              `json:"provider"`
	Delivery      models.DeliveryInfo `json:"delivery"`
	Items         []models.OrderItem  `json:"items"`
}

type ChargeResult struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference"`
	Message   string `json:"message,omitempty"`
}

type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
}

const (
	defaultPollInterval = 2 * time.Second
	defaultMaxAttempts  = 12
)

type PollResult struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	Attempts int    `json:"attempts"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logrus.Logger
}

func NewClient(baseURL string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:        "mobile-money",
			MaxFailures: 5,
			Cooldown:    30 * time.Second,
		}, logger),
		logger: logger,
	}
}

// Initiate sends one charge request. It never retries on its own: a
// transport failure or an explicit refusal is final for this attempt, and
// the caller decides whether to start over with a new reference.
func (c *Client) Initiate(ctx context.Context, params ChargeParams) (ChargeResult, error) {
	c.logger.WithFields(logrus.Fields{
		"reference": params.Reference,
		"amount":    params.Amount,
		"provider":  params.Provider,
	}).Info("Initiating mobile money charge")

	jsonData, err := json.Marshal(params)
	if err != nil {
		return ChargeResult{}, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	var result ChargeResult
	err = c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewBuffer(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach payment gateway: %w", err)
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, result.Message)
		}
		return nil
	})
	if err != nil {
		return ChargeResult{}, err
	}

	if result.Reference == "" {
		result.Reference = params.Reference
	}

	c.logger.WithFields(logrus.Fields{
		"reference": result.Reference,
		"success":   result.Success,
	}).Info("Charge initiation response received")

	return result, nil
}

type statusResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// GetStatus fetches the current charge status once.
func (c *Client) GetStatus(ctx context.Context, reference string) (string, error) {
	var status string
	err := c.breaker.Execute(func() error {
		url := fmt.Sprintf("%s/payments/%s/status", c.baseURL, reference)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to reach payment gateway: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("gateway returned status %d", resp.StatusCode)
		}

		var body statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("failed to decode status response: %w", err)
		}
		status = body.Status
		return nil
	})
	return status, err
}

// PollStatus checks the charge at a fixed interval until a terminal status
// or the attempt budget runs out. It stops on the first terminal status seen
// and never polls past it. Cancelling ctx stops the loop early.
func (c *Client) PollStatus(ctx context.Context, reference string, opts PollOptions) (PollResult, error) {
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		status, err := c.GetStatus(ctx, reference)
		if err != nil {
			if ctx.Err() != nil {
				return PollResult{Status: StatusCancelled, Attempts: attempt}, ctx.Err()
			}
			// A single failed check is not a verdict on the charge.
			c.logger.WithError(err).WithFields(logrus.Fields{
				"reference": reference,
				"attempt":   attempt,
			}).Warn("Payment status check failed")
		} else {
			c.logger.WithFields(logrus.Fields{
				"reference": reference,
				"attempt":   attempt,
				"status":    status,
			}).Info("Payment status check")

			if terminalSuccess(status) {
				return PollResult{Success: true, Status: status, Attempts: attempt}, nil
			}
			if terminalFailure(status) {
				return PollResult{Success: false, Status: status, Attempts: attempt}, nil
			}
		}

		if attempt == opts.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return PollResult{Status: StatusCancelled, Attempts: attempt}, ctx.Err()
		case <-time.After(opts.Interval):
		}
	}

	c.logger.WithFields(logrus.Fields{
		"reference":    reference,
		"max_attempts": opts.MaxAttempts,
	}).Warn("Payment confirmation timed out")

	return PollResult{Success: false, Status: StatusTimeout, Attempts: opts.MaxAttempts}, nil
}

// BreakerMetrics exposes the provider breaker state for the health endpoint.
func (c *Client) BreakerMetrics() map[string]interface{} {
	return c.breaker.Metrics()
}
