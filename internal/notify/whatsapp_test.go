package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/internal/events"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testEvent() events.OrderPurchasedEvent {
	return events.OrderPurchasedEvent{
		OrderID:       "ord-1",
		OrderNumber:   "AKA-20260829-001",
		CustomerName:  "Marie Ndong",
		CustomerPhone: "+24162345678",
		TotalAmount:   7000,
		LoyaltyPoints: 20,
	}
}

func TestHandleOrderPurchasedSendsToCustomerPhone(t *testing.T) {
	var gotTo string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotTo = req.To
		json.NewEncoder(w).Encode(sendResponse{Success: true})
	}))
	defer server.Close()

	notifier := NewWhatsAppNotifier(server.URL, quietLogger())
	if err := notifier.HandleOrderPurchased(testEvent()); err != nil {
		t.Fatalf("HandleOrderPurchased: %v", err)
	}
	if gotTo != "+24162345678" {
		t.Errorf("sent to %q, want customer phone", gotTo)
	}

	outcomes := notifier.RecentOutcomes()
	if len(outcomes) != 1 || !outcomes[0].Success {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
}

func TestHandleOrderPurchasedPrefersWhatsAppNumber(t *testing.T) {
	var gotTo string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotTo = req.To
		json.NewEncoder(w).Encode(sendResponse{Success: true})
	}))
	defer server.Close()

	event := testEvent()
	event.WhatsAppPhone = "+24174000000"

	notifier := NewWhatsAppNotifier(server.URL, quietLogger())
	if err := notifier.HandleOrderPurchased(event); err != nil {
		t.Fatalf("HandleOrderPurchased: %v", err)
	}
	if gotTo != "+24174000000" {
		t.Errorf("sent to %q, want WhatsApp number", gotTo)
	}
}

func TestGatewayServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	notifier := NewWhatsAppNotifier(server.URL, quietLogger())
	err := notifier.HandleOrderPurchased(testEvent())
	if err == nil {
		t.Fatal("expected error on 502")
	}
	if !notifier.IsRetryable(err) {
		t.Error("502 should be retryable")
	}
}

func TestGatewayRejectionIsNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	notifier := NewWhatsAppNotifier(server.URL, quietLogger())
	err := notifier.HandleOrderPurchased(testEvent())
	if err == nil {
		t.Fatal("expected error on 422")
	}
	if notifier.IsRetryable(err) {
		t.Error("422 should not be retryable")
	}
}

func TestUnreachableGatewayIsRetryable(t *testing.T) {
	notifier := NewWhatsAppNotifier("http://127.0.0.1:1", quietLogger())
	err := notifier.HandleOrderPurchased(testEvent())
	if err == nil {
		t.Fatal("expected transport error")
	}
	if !notifier.IsRetryable(err) {
		t.Error("transport error should be retryable")
	}
}
