// Package checkout drives a customer order from cart to confirmation:
// delivery form, payment form, submission against the order store and the
// mobile-money gateway, and the confirmation record kept for reloads.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/internal/cart"
	"github.com/akanda-apero/orderflow/internal/events"
	"github.com/akanda-apero/orderflow/internal/payment"
	"github.com/akanda-apero/orderflow/internal/phone"
	"github.com/akanda-apero/orderflow/pkg/models"
)

type State string

const (
	StateDelivery     State = "delivery"
	StatePayment      State = "payment"
	StateSubmitting   State = "submitting"
	StateConfirmation State = "confirmation"
	StateFailed       State = "failed"
)

var (
	ErrWrongState            = errors.New("operation not allowed in current checkout state")
	ErrAlreadySubmitting     = errors.New("a submission is already in progress")
	ErrEmptyOrder            = errors.New("aucun article valide à commander")
	ErrMissingDeliveryFields = errors.New("champs de livraison obligatoires manquants")
)

// The generic message shown when the remote side failed without saying why.
const genericFailureMessage = "La commande n'a pas pu être enregistrée. Veuillez réessayer."

// InvalidItemsError is returned when the cart holds rejected lines and the
// caller has not yet confirmed proceeding with the valid subset.
type InvalidItemsError struct {
	Items []InvalidItem
}

func (e *InvalidItemsError) Error() string {
	names := make([]string, 0, len(e.Items))
	for _, it := range e.Items {
		names = append(names, it.Item.Product.Name)
	}
	return fmt.Sprintf("%d article(s) invalide(s): %s", len(e.Items), strings.Join(names, ", "))
}

// OrderStore is the remote order persistence consumed by the flow.
type OrderStore interface {
	CreateOrder(ctx context.Context, draft models.OrderDraft) (models.OrderResponse, error)
	UpdatePaymentStatus(ctx context.Context, orderID string, status models.PaymentStatus) error
	LoyaltyBalance(ctx context.Context, phone string) (int, error)
}

type PaymentClient interface {
	Initiate(ctx context.Context, params payment.ChargeParams) (payment.ChargeResult, error)
	PollStatus(ctx context.Context, reference string, opts payment.PollOptions) (payment.PollResult, error)
}

type EventPublisher interface {
	PublishOrderPurchased(event events.OrderPurchasedEvent) error
}

type ConfirmationStore interface {
	SaveConfirmation(sessionKey string, conf models.OrderConfirmation) error
	LoadConfirmation(sessionKey string, resume bool) (*models.OrderConfirmation, bool)
	PurgeConfirmation(sessionKey string)
}

type Deps struct {
	Store         OrderStore
	Payments      PaymentClient
	Events        EventPublisher // optional
	Confirmations ConfirmationStore
	Logger        *logrus.Logger

	// Bound on the order-creation call; the remote side gets no blank check.
	CreateTimeout time.Duration
	Poll          payment.PollOptions
	Now           func() time.Time
}

// Flow is one session's checkout state machine:
// delivery -> payment -> submitting -> confirmation | failed.
// All mutation goes through its methods; the zero value is not usable.
type Flow struct {
	sessionKey string
	cart       *cart.Cart
	deps       Deps

	mu           sync.Mutex
	state        State
	delivery     models.DeliveryInfo
	payInfo      models.PaymentInfo
	discount     int64
	submitting   bool
	lastError    string
	confirmation *models.OrderConfirmation
}

func NewFlow(sessionKey string, c *cart.Cart, deps Deps) *Flow {
	if deps.CreateTimeout <= 0 {
		deps.CreateTimeout = 30 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Flow{
		sessionKey: sessionKey,
		cart:       c,
		deps:       deps,
		state:      StateDelivery,
	}
}

func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) Cart() *cart.Cart { return f.cart }

func (f *Flow) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastError
}

func (f *Flow) Confirmation() *models.OrderConfirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmation
}

func (f *Flow) SetDiscount(amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount < 0 {
		amount = 0
	}
	f.discount = amount
}

// Totals recomputes the cart totals against the currently selected delivery
// option. Never cached: cart or option changes always flow through.
func (f *Flow) Totals() (models.CartTotals, error) {
	f.mu.Lock()
	option := f.delivery.DeliveryOption
	discount := f.discount
	f.mu.Unlock()

	return cart.ComputeTotals(f.cart.Items(), discount, option)
}

// SubmitDelivery validates the delivery form and advances to the payment
// step. This is a client-side gate only; the store revalidates on creation.
func (f *Flow) SubmitDelivery(info models.DeliveryInfo) error {
	if info.FullName == "" {
		return fmt.Errorf("%w: nom complet", ErrMissingDeliveryFields)
	}

	phoneResult := phone.Normalize(info.Phone)
	if !phoneResult.IsValid {
		return fmt.Errorf("numéro de téléphone invalide: %s", phoneResult.Reason)
	}
	info.Phone = phoneResult.Normalized

	if info.DeliveryOption != models.DeliveryPickup {
		if info.Address == "" || info.City == "" {
			return fmt.Errorf("%w: adresse et ville", ErrMissingDeliveryFields)
		}
	}

	if forced := models.ForcedOption(f.deps.Now()); forced != "" && info.DeliveryOption != forced {
		return fmt.Errorf("seule la livraison de nuit est disponible après 22h")
	}
	if info.DeliveryOption == "" {
		info.DeliveryOption = models.DeliveryStandard
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateDelivery && f.state != StatePayment {
		return ErrWrongState
	}

	f.delivery = info
	f.state = StatePayment
	f.lastError = ""
	return nil
}

// Back returns from the payment step (or a failed submission) to the
// previous step with cart and form state intact.
func (f *Flow) Back() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case StatePayment:
		f.state = StateDelivery
	case StateFailed:
		f.state = StatePayment
	default:
		return ErrWrongState
	}
	f.lastError = ""
	return nil
}

// Resume restores the confirmation screen after a reload, when the caller
// explicitly asks for it and the stored record is still fresh.
func (f *Flow) Resume(resume bool) bool {
	conf, ok := f.deps.Confirmations.LoadConfirmation(f.sessionKey, resume)
	if !ok {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateConfirmation
	f.confirmation = conf
	return true
}

// StartNewOrder resets the machine for a deliberate new order. The stored
// confirmation is purged immediately, validity window or not.
func (f *Flow) StartNewOrder() {
	f.deps.Confirmations.PurgeConfirmation(f.sessionKey)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = StateDelivery
	f.delivery = models.DeliveryInfo{}
	f.payInfo = models.PaymentInfo{}
	f.confirmation = nil
	f.lastError = ""
}

// SubmitResult reports where a submission attempt landed.
type SubmitResult struct {
	State        State                     `json:"state"`
	OrderID      string                    `json:"order_id,omitempty"`
	OrderNumber  string                    `json:"order_number,omitempty"`
	Confirmation *models.OrderConfirmation `json:"confirmation,omitempty"`
	Message      string                    `json:"message,omitempty"`
}

// SubmitPayment validates the payment form and runs the whole submission:
// item filtering, totals, remote order creation, the mobile-money charge
// when applicable, cart cleanup and the purchase event. proceedWithValid
// acknowledges dropping the invalid lines reported by a previous attempt.
func (f *Flow) SubmitPayment(ctx context.Context, info models.PaymentInfo, proceedWithValid bool) (result *SubmitResult, err error) {
	if !models.ValidPaymentMethod(info.Method) {
		return nil, fmt.Errorf("moyen de paiement inconnu: %s", info.Method)
	}

	if info.WhatsApp != "" {
		wa := phone.Normalize(info.WhatsApp)
		if !wa.IsValid {
			return nil, fmt.Errorf("numéro WhatsApp invalide: %s", wa.Reason)
		}
		info.WhatsApp = wa.Normalized
	}

	if info.Method == models.PaymentMobileMoney {
		mm := phone.Normalize(info.MobileNumber)
		if !mm.IsValid {
			return nil, fmt.Errorf("numéro Mobile Money invalide: %s", mm.Reason)
		}
		if mm.Country != "Gabon" {
			return nil, fmt.Errorf("le paiement Mobile Money requiert un numéro gabonais")
		}
		info.MobileNumber = mm.Normalized
	}

	f.mu.Lock()
	if f.state != StatePayment && f.state != StateFailed {
		f.mu.Unlock()
		return nil, ErrWrongState
	}
	if f.submitting {
		f.mu.Unlock()
		return nil, ErrAlreadySubmitting
	}
	delivery := f.delivery
	discount := f.discount

	validItems, invalidItems := PartitionItems(f.cart.Items())
	if len(invalidItems) > 0 && !proceedWithValid {
		f.mu.Unlock()
		return nil, &InvalidItemsError{Items: invalidItems}
	}
	if len(validItems) == 0 {
		f.mu.Unlock()
		return nil, ErrEmptyOrder
	}

	totals, terr := cart.ComputeTotals(validItems, discount, delivery.DeliveryOption)
	if terr != nil {
		f.mu.Unlock()
		return nil, terr
	}

	f.state = StateSubmitting
	f.submitting = true
	f.payInfo = info
	f.mu.Unlock()

	defer func() {
		// Whatever branch failed, the submitting flag must clear; a panic
		// is normalized into the same failure surface as a remote error.
		if r := recover(); r != nil {
			err = fmt.Errorf("submission panicked: %v", r)
			result = f.fail(err.Error())
		}
		f.mu.Lock()
		f.submitting = false
		f.mu.Unlock()
	}()

	orderItems := make([]models.OrderItem, 0, len(validItems))
	submittedIDs := make([]string, 0, len(validItems))
	for _, item := range validItems {
		unit, uerr := cart.EffectiveUnitPrice(item.Product)
		if uerr != nil {
			return f.fail(genericFailureMessage), uerr
		}
		orderItems = append(orderItems, models.OrderItem{
			ProductID:   item.Product.ID,
			ProductName: item.Product.Name,
			Category:    item.Product.Category,
			Quantity:    item.Quantity,
			UnitPrice:   unit,
		})
		submittedIDs = append(submittedIDs, item.Product.ID)
	}

	draft := models.OrderDraft{
		CustomerName:  delivery.FullName,
		CustomerPhone: delivery.Phone,
		WhatsAppPhone: info.WhatsApp,
		Delivery:      delivery,
		PaymentMethod: info.Method,
		Items:         orderItems,
		Totals:        totals,
		LoyaltyPoints: LoyaltyPoints(orderItems),
	}

	createCtx, cancel := context.WithTimeout(ctx, f.deps.CreateTimeout)
	defer cancel()

	resp, cerr := f.deps.Store.CreateOrder(createCtx, draft)
	if cerr != nil {
		f.deps.Logger.WithError(cerr).Error("Order creation failed")
		return f.fail(genericFailureMessage), cerr
	}
	if !resp.Success {
		message := resp.Message
		if message == "" {
			message = genericFailureMessage
		}
		f.deps.Logger.WithField("message", resp.Message).Error("Order creation rejected")
		return f.fail(message), fmt.Errorf("order rejected: %s", message)
	}

	f.deps.Logger.WithFields(logrus.Fields{
		"order_id":     resp.OrderID,
		"order_number": resp.OrderNumber,
		"method":       info.Method,
		"total":        totals.Total,
	}).Info("Order created")

	if info.Method == models.PaymentMobileMoney {
		// The order row exists before any charge, so a successful payment
		// always has an order to land on. A failed charge flags the order,
		// never deletes it.
		if perr := f.chargeMobileMoney(ctx, resp, draft); perr != nil {
			return f.fail(perr.Error()), perr
		}
	}

	return f.confirm(ctx, resp, draft, submittedIDs), nil
}

func (f *Flow) chargeMobileMoney(ctx context.Context, resp models.OrderResponse, draft models.OrderDraft) error {
	// Every attempt gets a brand-new reference; a stale one is never reused.
	reference := payment.NewReference()

	chargeResult, err := f.deps.Payments.Initiate(ctx, payment.ChargeParams{
		Reference:     reference,
		Amount:        draft.Totals.Total,
		Description:   fmt.Sprintf("Commande %s", resp.OrderNumber),
		CustomerName:  draft.CustomerName,
		CustomerPhone: f.payInfo.MobileNumber,
		Provider:      mobileProvider(f.payInfo.MobileNumber),
		Delivery:      draft.Delivery,
		Items:         draft.Items,
	})
	if err != nil || !chargeResult.Success {
		f.markPaymentFailed(resp.OrderID)
		if err != nil {
			f.deps.Logger.WithError(err).Error("Payment initiation failed")
			return fmt.Errorf("le paiement n'a pas pu être initié")
		}
		message := chargeResult.Message
		if message == "" {
			message = "le paiement a été refusé"
		}
		return errors.New(message)
	}

	poll, err := f.deps.Payments.PollStatus(ctx, reference, f.deps.Poll)
	if err != nil {
		f.markPaymentFailed(resp.OrderID)
		return fmt.Errorf("confirmation du paiement interrompue: %v", err)
	}
	if !poll.Success {
		f.markPaymentFailed(resp.OrderID)
		if poll.Status == payment.StatusTimeout {
			// Distinct from an explicit failure: the charge may still be
			// sitting unapproved on the customer's phone.
			return fmt.Errorf("la confirmation du paiement a expiré après %d tentatives", poll.Attempts)
		}
		return fmt.Errorf("le paiement a échoué (statut: %s)", poll.Status)
	}

	if err := f.deps.Store.UpdatePaymentStatus(ctx, resp.OrderID, models.PaymentStatusPaid); err != nil {
		f.deps.Logger.WithError(err).WithField("order_id", resp.OrderID).Error("Failed to mark order paid")
	}
	return nil
}

func (f *Flow) markPaymentFailed(orderID string) {
	// Best effort on a dedicated context: the submission context may
	// already be dead, and the unpaid flag matters for the back office.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := f.deps.Store.UpdatePaymentStatus(ctx, orderID, models.PaymentStatusFailed); err != nil {
		f.deps.Logger.WithError(err).WithField("order_id", orderID).Error("Failed to flag order payment as failed")
	}
}

func (f *Flow) confirm(ctx context.Context, resp models.OrderResponse, draft models.OrderDraft, submittedIDs []string) *SubmitResult {
	balance, err := f.deps.Store.LoyaltyBalance(ctx, draft.CustomerPhone)
	if err != nil {
		f.deps.Logger.WithError(err).Warn("Failed to read loyalty balance")
		balance = 0
	}

	conf := models.OrderConfirmation{
		OrderNumber:          resp.OrderNumber,
		LoyaltyPoints:        draft.LoyaltyPoints,
		CurrentLoyaltyPoints: balance,
		Timestamp:            f.deps.Now(),
	}
	if err := f.deps.Confirmations.SaveConfirmation(f.sessionKey, conf); err != nil {
		f.deps.Logger.WithError(err).Warn("Failed to persist confirmation")
	}

	// Only the submitted items leave the cart; anything the customer kept
	// back (including invalid lines awaiting correction) stays.
	f.cart.RemoveItems(submittedIDs)

	if f.deps.Events != nil {
		event := events.OrderPurchasedEvent{
			OrderID:       resp.OrderID,
			OrderNumber:   resp.OrderNumber,
			CustomerName:  draft.CustomerName,
			CustomerPhone: draft.CustomerPhone,
			WhatsAppPhone: draft.WhatsAppPhone,
			TotalAmount:   draft.Totals.Total,
			LoyaltyPoints: draft.LoyaltyPoints,
			PaymentMethod: draft.PaymentMethod,
			CreatedAt:     f.deps.Now(),
		}
		if err := f.deps.Events.PublishOrderPurchased(event); err != nil {
			// The order is already placed; losing the analytics event is
			// not a reason to fail the customer.
			f.deps.Logger.WithError(err).Error("Failed to publish purchase event")
		}
	}

	f.mu.Lock()
	f.state = StateConfirmation
	f.confirmation = &conf
	f.lastError = ""
	f.mu.Unlock()

	return &SubmitResult{
		State:        StateConfirmation,
		OrderID:      resp.OrderID,
		OrderNumber:  resp.OrderNumber,
		Confirmation: &conf,
	}
}

func (f *Flow) fail(message string) *SubmitResult {
	f.mu.Lock()
	f.state = StateFailed
	f.lastError = message
	f.mu.Unlock()

	return &SubmitResult{State: StateFailed, Message: message}
}

// mobileProvider guesses the operator from the number prefix. Airtel runs
// the 07 range, Moov the 06 range.
func mobileProvider(normalized string) string {
	if strings.HasPrefix(normalized, "+2417") {
		return "airtel"
	}
	if strings.HasPrefix(normalized, "+2416") {
		return "moov"
	}
	return "unknown"
}
