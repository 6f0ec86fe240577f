package checkout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/internal/cart"
	"github.com/akanda-apero/orderflow/internal/events"
	"github.com/akanda-apero/orderflow/internal/payment"
	"github.com/akanda-apero/orderflow/pkg/models"
)

const (
	validID1 = "0c6bd2b1-9c52-4f5e-8f3a-2e8f3b1c4d5e"
	validID2 = "1d7ce3c2-8b41-4a6f-9e2b-3f9a4c2d5e6f"
)

type fakeStore struct {
	createCalls   int
	lastDraft     models.OrderDraft
	createErr     error
	rejectMessage string

	paymentStatuses map[string]models.PaymentStatus
	loyaltyBalance  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{paymentStatuses: make(map[string]models.PaymentStatus)}
}

func (s *fakeStore) CreateOrder(ctx context.Context, draft models.OrderDraft) (models.OrderResponse, error) {
	s.createCalls++
	s.lastDraft = draft
	if s.createErr != nil {
		return models.OrderResponse{}, s.createErr
	}
	if s.rejectMessage != "" {
		return models.OrderResponse{Success: false, Message: s.rejectMessage}, nil
	}
	return models.OrderResponse{
		Success:     true,
		OrderID:     fmt.Sprintf("order-%d", s.createCalls),
		OrderNumber: fmt.Sprintf("AKA-20260829-%03d", s.createCalls),
	}, nil
}

func (s *fakeStore) UpdatePaymentStatus(ctx context.Context, orderID string, status models.PaymentStatus) error {
	s.paymentStatuses[orderID] = status
	return nil
}

func (s *fakeStore) LoyaltyBalance(ctx context.Context, phone string) (int, error) {
	return s.loyaltyBalance, nil
}

type fakePayments struct {
	initiateCalls []payment.ChargeParams
	initiateErr   error
	refuse        bool
	pollResult    payment.PollResult
	pollErr       error
}

func (p *fakePayments) Initiate(ctx context.Context, params payment.ChargeParams) (payment.ChargeResult, error) {
	p.initiateCalls = append(p.initiateCalls, params)
	if p.initiateErr != nil {
		return payment.ChargeResult{}, p.initiateErr
	}
	if p.refuse {
		return payment.ChargeResult{Success: false, Message: "solde insuffisant"}, nil
	}
	return payment.ChargeResult{Success: true, Reference: params.Reference}, nil
}

func (p *fakePayments) PollStatus(ctx context.Context, reference string, opts payment.PollOptions) (payment.PollResult, error) {
	if p.pollErr != nil {
		return payment.PollResult{Status: payment.StatusCancelled}, p.pollErr
	}
	return p.pollResult, nil
}

type fakeEvents struct {
	published []events.OrderPurchasedEvent
	err       error
}

func (e *fakeEvents) PublishOrderPurchased(event events.OrderPurchasedEvent) error {
	if e.err != nil {
		return e.err
	}
	e.published = append(e.published, event)
	return nil
}

type fakeConfirmations struct {
	saved  map[string]models.OrderConfirmation
	purged int
}

func newFakeConfirmations() *fakeConfirmations {
	return &fakeConfirmations{saved: make(map[string]models.OrderConfirmation)}
}

func (c *fakeConfirmations) SaveConfirmation(key string, conf models.OrderConfirmation) error {
	c.saved[key] = conf
	return nil
}

func (c *fakeConfirmations) LoadConfirmation(key string, resume bool) (*models.OrderConfirmation, bool) {
	conf, ok := c.saved[key]
	if !ok || !resume {
		return nil, false
	}
	return &conf, true
}

func (c *fakeConfirmations) PurgeConfirmation(key string) {
	c.purged++
	delete(c.saved, key)
}

type flowFixture struct {
	flow     *Flow
	cart     *cart.Cart
	store    *fakeStore
	payments *fakePayments
	events   *fakeEvents
	confirms *fakeConfirmations
}

func newFixture(t *testing.T) *flowFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	c := cart.New()
	store := newFakeStore()
	payments := &fakePayments{pollResult: payment.PollResult{Success: true, Status: payment.StatusCompleted, Attempts: 1}}
	evts := &fakeEvents{}
	confirms := newFakeConfirmations()

	// Fixed daytime clock so the night tier is never forced in tests.
	noon := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	flow := NewFlow("sess1", c, Deps{
		Store:         store,
		Payments:      payments,
		Events:        evts,
		Confirmations: confirms,
		Logger:        logger,
		Now:           func() time.Time { return noon },
	})

	return &flowFixture{flow: flow, cart: c, store: store, payments: payments, events: evts, confirms: confirms}
}

func (fx *flowFixture) toPaymentStep(t *testing.T) {
	t.Helper()
	err := fx.flow.SubmitDelivery(models.DeliveryInfo{
		FullName:       "Jean Ndong",
		Phone:          "077889988",
		Address:        "Quartier Dragage",
		City:           "Libreville",
		DeliveryOption: models.DeliveryStandard,
	})
	if err != nil {
		t.Fatalf("SubmitDelivery: %v", err)
	}
}

func TestSubmitDeliveryNormalizesPhone(t *testing.T) {
	fx := newFixture(t)
	fx.toPaymentStep(t)

	if fx.flow.State() != StatePayment {
		t.Fatalf("state = %s, want payment", fx.flow.State())
	}
}

func TestSubmitDeliveryRejectsBadPhone(t *testing.T) {
	fx := newFixture(t)

	err := fx.flow.SubmitDelivery(models.DeliveryInfo{
		FullName: "Jean", Phone: "12345", Address: "x", City: "y",
		DeliveryOption: models.DeliveryStandard,
	})
	if err == nil {
		t.Fatal("expected error for invalid phone")
	}
	if fx.flow.State() != StateDelivery {
		t.Errorf("state = %s, want delivery", fx.flow.State())
	}
}

func TestSubmitDeliveryForcesNightAfter22h(t *testing.T) {
	fx := newFixture(t)
	fx.flow.deps.Now = func() time.Time {
		return time.Date(2026, 8, 29, 22, 30, 0, 0, time.UTC)
	}

	err := fx.flow.SubmitDelivery(models.DeliveryInfo{
		FullName: "Jean", Phone: "077889988", Address: "x", City: "Libreville",
		DeliveryOption: models.DeliveryStandard,
	})
	if err == nil {
		t.Fatal("expected standard delivery to be refused after 22h")
	}

	err = fx.flow.SubmitDelivery(models.DeliveryInfo{
		FullName: "Jean", Phone: "077889988", Address: "x", City: "Libreville",
		DeliveryOption: models.DeliveryNight,
	})
	if err != nil {
		t.Fatalf("night delivery refused: %v", err)
	}
}

func TestSubmitPaymentCashSuccess(t *testing.T) {
	fx := newFixture(t)
	fx.cart.Add(models.Product{ID: validID1, Name: "Whisky Coca", Category: "cocktails", Price: 2500}, 2)
	fx.toPaymentStep(t)

	result, err := fx.flow.SubmitPayment(context.Background(), models.PaymentInfo{Method: models.PaymentCash}, false)
	if err != nil {
		t.Fatalf("SubmitPayment: %v", err)
	}
	if result.State != StateConfirmation {
		t.Fatalf("state = %s, want confirmation", result.State)
	}
	if result.OrderNumber == "" {
		t.Error("missing order number")
	}

	// subtotal 5000 + standard 2000
	if fx.store.lastDraft.Totals.Total != 7000 {
		t.Errorf("total = %d, want 7000", fx.store.lastDraft.Totals.Total)
	}
	if fx.store.lastDraft.CustomerPhone != "+24177889988" {
		t.Errorf("customer phone = %q, want normalized", fx.store.lastDraft.CustomerPhone)
	}

	if fx.cart.Len() != 0 {
		t.Errorf("cart len = %d, want 0 after submission", fx.cart.Len())
	}
	if len(fx.events.published) != 1 {
		t.Fatalf("published events = %d, want 1", len(fx.events.published))
	}
	if _, ok := fx.confirms.saved["sess1"]; !ok {
		t.Error("confirmation not persisted")
	}
	if len(fx.payments.initiateCalls) != 0 {
		t.Error("cash order must not touch the payment gateway")
	}
}

func TestSubmitPaymentAllItemsInvalidRefused(t *testing.T) {
	fx := newFixture(t)
	fx.cart.Add(models.Product{ID: "not-a-uuid", Name: "Mystery", Price: 1000}, 1)
	fx.toPaymentStep(t)

	_, err := fx.flow.SubmitPayment(context.Background(), models.PaymentInfo{Method: models.PaymentCash}, true)
	if !errors.Is(err, ErrEmptyOrder) {
		t.Fatalf("err = %v, want ErrEmptyOrder", err)
	}
	if fx.store.createCalls != 0 {
		t.Error("create-order must not be called with no valid items")
	}
	if fx.cart.Len() != 1 {
		t.Error("cart must be preserved on refusal")
	}
}

func TestSubmitPaymentInvalidItemsNeedConfirmation(t *testing.T) {
	fx := newFixture(t)
	fx.cart.Add(models.Product{ID: validID1, Name: "Gin Fizz", Price: 3000}, 1)
	fx.cart.Add(models.Product{ID: "bad", Name: "Broken", Price: 1000}, 1)
	fx.toPaymentStep(t)

	_, err := fx.flow.SubmitPayment(context.Background(), models.PaymentInfo{Method: models.PaymentCash}, false)

	var invalidErr *InvalidItemsError
	if !errors.As(err, &invalidErr) {
		t.Fatalf("err = %v, want InvalidItemsError", err)
	}
	if len(invalidErr.Items) != 1 || invalidErr.Items[0].Item.Product.Name != "Broken" {
		t.Fatalf("unexpected invalid items: %+v", invalidErr.Items)
	}
	if fx.store.createCalls != 0 {
		t.Error("no remote call before the user decides")
	}
}

func TestSubmitPaymentProceedsWithValidSubset(t *testing.T) {
	fx := newFixture(t)
	fx.cart.Add(models.Product{ID: validID1, Name: "Gin Fizz", Price: 3000}, 1)
	fx.cart.Add(models.Product{ID: validID2, Name: "Mojito", Price: 2000}, 2)
	fx.cart.Add(models.Product{ID: "bad", Name: "Broken", Price: 1000}, 1)
	fx.toPaymentStep(t)

	result, err := fx.flow.SubmitPayment(context.Background(), models.PaymentInfo{Method: models.PaymentCash}, true)
	if err != nil {
		t.Fatalf("SubmitPayment: %v", err)
	}
	if result.State != StateConfirmation {
		t.Fatalf("state = %s, want confirmation", result.State)
	}

	if len(fx.store.lastDraft.Items) != 2 {
		t.Fatalf("submitted %d items, want exactly the 2 valid ones", len(fx.store.lastDraft.Items))
	}
	for _, item := range fx.store.lastDraft.Items {
		if item.ProductID == "bad" {
			t.Error("invalid item submitted")
		}
	}

	// The invalid line stays in the cart for correction.
	items := fx.cart.Items()
	if len(items) != 1 || items[0].Product.ID != "bad" {
		t.Errorf("cart after submit = %+v, want only the invalid line", items)
	}
}

func TestSubmitPaymentRemoteRejectionVerbatim(t *testing.T) {
	fx := newFixture(t)
	fx.cart.Add(models.Product{ID: validID1, Name: "Gin Fizz", Price: 3000}, 1)
	fx.store.rejectMessage = "stock épuisé pour Gin Fizz"
	fx.toPaymentStep(t)

	result, err := fx.flow.SubmitPayment(context.Background(), models.PaymentInfo{Method: models.PaymentCash}, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if result == nil || result.State != StateFailed {
		t.Fatalf("result = %+v, want failed state", result)
	}
	if result.Message != "stock épuisé pour Gin Fizz" {
		t.Errorf("message = %q, want server message verbatim", result.Message)
	}
	if fx.cart.Len() != 1 {
		t.Error("cart must survive a failed submission")
	}
}

func TestSubmitPaymentMobileMoneySuccess(t *testing.T) {
	fx := newFixture(t)
	fx.cart.Add(models.Product{ID: validID1, Name: "Gin Fizz", Price: 3000}, 1)
	fx.toPaymentStep(t)

	result, err := fx.flow.SubmitPayment(context.Background(), models.PaymentInfo{
		Method:       models.PaymentMobileMoney,
		MobileNumber: "077889988",
	}, false)
	if err != nil {
		t.Fatalf("SubmitPayment: %v", err)
	}
	if result.State != StateConfirmation {
		t.Fatalf("state = %s, want confirmation", result.State)
	}

	if len(fx.payments.initiateCalls) != 1 {
		t.Fatalf("initiate calls = %d, want 1", len(fx.payments.initiateCalls))
	}
	params := fx.payments.initiateCalls[0]
	if len(params.Reference) != 15 {
		t.Errorf("reference %q length = %d, want 15", params.Reference, len(params.Reference))
	}
	if params.Provider != "airtel" {
		t.Errorf("provider = %q, want airtel for 07 number", params.Provider)
	}
	if params.CustomerPhone != "+24177889988" {
		t.Errorf("charge phone = %q, want normalized", params.CustomerPhone)
	}

	if got := fx.store.paymentStatuses[result.OrderID]; got != models.PaymentStatusPaid {
		t.Errorf("payment status = %q, want Payé", got)
	}
}

func TestSubmitPaymentMobileMoneyRequiresGabonNumber(t *testing.T) {
	fx := newFixture(t)
	fx.cart.Add(models.Product{ID: validID1, Name: "Gin Fizz", Price: 3000}, 1)
	fx.toPaymentStep(t)

	_, err := fx.flow.SubmitPayment(context.Background(), models.PaymentInfo{
		Method:       models.PaymentMobileMoney,
		MobileNumber: "+33612345678",
	}, false)
	if err == nil {
		t.Fatal("expected refusal for foreign mobile money number")
	}
	if fx.store.createCalls != 0 {
		t.Error("validation failure must precede any remote call")
	}
}

func TestSubmitPaymentMobileMoneyPollFailure(t *testing.T) {
	fx := newFixture(t)
	fx.cart.Add(models.Product{ID: validID1, Name: "Gin Fizz", Price: 3000}, 1)
	fx.payments.pollResult = payment.PollResult{Success: false, Status: payment.StatusFailed, Attempts: 2}
	fx.toPaymentStep(t)

	result, err := fx.flow.SubmitPayment(context.Background(), models.PaymentInfo{
		Method:       models.PaymentMobileMoney,
		MobileNumber: "062345678",
	}, false)
	if err == nil {
		t.Fatal("expected error")
	}
	if result.State != StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}

	// Order exists and is flagged unpaid, never deleted.
	if fx.store.createCalls != 1 {
		t.Fatalf("create calls = %d, want 1", fx.store.createCalls)
	}
	if got := fx.store.paymentStatuses["order-1"]; got != models.PaymentStatusFailed {
		t.Errorf("payment status = %q, want Échoué", got)
	}
}

func TestSubmitPaymentMobileMoneyTimeoutDistinctMessage(t *testing.T) {
	fx := newFixture(t)
	fx.cart.Add(models.Product{ID: validID1, Name: "Gin Fizz", Price: 3000}, 1)
	fx.payments.pollResult = payment.PollResult{Success: false, Status: payment.StatusTimeout, Attempts: 12}
	fx.toPaymentStep(t)

	result, _ := fx.flow.SubmitPayment(context.Background(), models.PaymentInfo{
		Method:       models.PaymentMobileMoney,
		MobileNumber: "077889988",
	}, false)

	if result.State != StateFailed {
		t.Fatalf("state = %s, want failed", result.State)
	}

	fx2 := newFixture(t)
	fx2.cart.Add(models.Product{ID: validID1, Name: "Gin Fizz", Price: 3000}, 1)
	fx2.payments.pollResult = payment.PollResult{Success: false, Status: payment.StatusFailed, Attempts: 1}
	fx2.toPaymentStep(t)
	result2, _ := fx2.flow.SubmitPayment(context.Background(), models.PaymentInfo{
		Method:       models.PaymentMobileMoney,
		MobileNumber: "077889988",
	}, false)

	if result.Message == result2.Message {
		t.Error("timeout and explicit failure must surface distinct messages")
	}
}

func TestRetryUsesFreshReference(t *testing.T) {
	fx := newFixture(t)
	fx.cart.Add(models.Product{ID: validID1, Name: "Gin Fizz", Price: 3000}, 1)
	fx.payments.pollResult = payment.PollResult{Success: false, Status: payment.StatusFailed}
	fx.toPaymentStep(t)

	info := models.PaymentInfo{Method: models.PaymentMobileMoney, MobileNumber: "077889988"}

	if _, err := fx.flow.SubmitPayment(context.Background(), info, false); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	// Second attempt from the failed state.
	fx.payments.pollResult = payment.PollResult{Success: true, Status: payment.StatusCompleted}
	if _, err := fx.flow.SubmitPayment(context.Background(), info, false); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	if len(fx.payments.initiateCalls) != 2 {
		t.Fatalf("initiate calls = %d, want 2", len(fx.payments.initiateCalls))
	}
	if fx.payments.initiateCalls[0].Reference == fx.payments.initiateCalls[1].Reference {
		t.Error("retry reused a stale payment reference")
	}
}

func TestResumeAndNewOrder(t *testing.T) {
	fx := newFixture(t)
	fx.cart.Add(models.Product{ID: validID1, Name: "Gin Fizz", Price: 3000}, 1)
	fx.toPaymentStep(t)

	if _, err := fx.flow.SubmitPayment(context.Background(), models.PaymentInfo{Method: models.PaymentCash}, false); err != nil {
		t.Fatalf("SubmitPayment: %v", err)
	}

	// A new flow for the same session resumes onto the confirmation.
	flow2 := NewFlow("sess1", cart.New(), fx.flow.deps)
	if !flow2.Resume(true) {
		t.Fatal("expected resume to restore confirmation")
	}
	if flow2.State() != StateConfirmation {
		t.Fatalf("state = %s, want confirmation", flow2.State())
	}

	flow2.StartNewOrder()
	if flow2.State() != StateDelivery {
		t.Fatalf("state = %s, want delivery after new order", flow2.State())
	}
	if fx.confirms.purged == 0 {
		t.Error("new order must purge the stored confirmation")
	}
	if flow2.Resume(true) {
		t.Error("confirmation must not be resumable after purge")
	}
}

func TestValidateItemRules(t *testing.T) {
	tests := []struct {
		name string
		item models.CartLineItem
		want bool
	}{
		{"uuid product", models.CartLineItem{Product: models.Product{ID: validID1, Name: "Gin", Price: 100}, Quantity: 1}, true},
		{"kit product", models.CartLineItem{Product: models.Product{ID: "kit-42", Name: "Coffret Apéro", Type: models.ProductTypeKit, Price: 100}, Quantity: 1}, true},
		{"coffret product", models.CartLineItem{Product: models.Product{ID: "c-1", Name: "Coffret", Type: models.ProductTypeCoffret, Price: 100}, Quantity: 1}, true},
		{"missing id", models.CartLineItem{Product: models.Product{ID: "", Name: "Gin", Price: 100}, Quantity: 1}, false},
		{"zero id", models.CartLineItem{Product: models.Product{ID: "0", Name: "Gin", Price: 100}, Quantity: 1}, false},
		{"missing name", models.CartLineItem{Product: models.Product{ID: validID1, Price: 100}, Quantity: 1}, false},
		{"zero price", models.CartLineItem{Product: models.Product{ID: validID1, Name: "Gin", Price: 0}, Quantity: 1}, false},
		{"zero quantity", models.CartLineItem{Product: models.Product{ID: validID1, Name: "Gin", Price: 100}, Quantity: 0}, false},
		{"unrecognized id", models.CartLineItem{Product: models.Product{ID: "abc", Name: "Gin", Price: 100}, Quantity: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := ValidateItem(tt.item)
			if got != tt.want {
				t.Errorf("ValidateItem() = %v (%s), want %v", got, reason, tt.want)
			}
			if !got && reason == "" {
				t.Error("invalid item must carry a reason")
			}
		})
	}
}

func TestLoyaltyPoints(t *testing.T) {
	items := []models.OrderItem{
		{Category: "cocktails", Quantity: 2}, // 20
		{Category: "kits", Quantity: 1},      // 15
		{Category: "inconnue", Quantity: 3},  // 15 at default rate
	}
	if got := LoyaltyPoints(items); got != 50 {
		t.Errorf("LoyaltyPoints = %d, want 50", got)
	}
}

func TestDerivePaymentStatus(t *testing.T) {
	tests := []struct {
		method models.PaymentMethod
		status models.OrderStatus
		want   models.PaymentStatus
	}{
		{models.PaymentCash, models.OrderStatusPending, models.PaymentStatusPending},
		{models.PaymentCash, models.OrderStatusDelivering, models.PaymentStatusPending},
		{models.PaymentCash, models.OrderStatusDelivered, models.PaymentStatusPaid},
		{models.PaymentCash, models.OrderStatusCancelled, models.PaymentStatusFailed},
		{models.PaymentMobileMoney, models.OrderStatusPending, models.PaymentStatusPaid},
		{models.PaymentCard, models.OrderStatusDelivered, models.PaymentStatusPaid},
	}

	for _, tt := range tests {
		if got := models.DerivePaymentStatus(tt.method, tt.status); got != tt.want {
			t.Errorf("DerivePaymentStatus(%s, %s) = %s, want %s", tt.method, tt.status, got, tt.want)
		}
	}
}
