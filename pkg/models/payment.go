package models

type PaymentMethod string

const (
	PaymentCash        PaymentMethod = "cash"
	PaymentMobileMoney PaymentMethod = "mobile_money"
	PaymentCard        PaymentMethod = "card"
)

func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case PaymentCash, PaymentMobileMoney, PaymentCard:
		return true
	}
	return false
}

// Payment statuses as stored and displayed. The back office runs in French.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "En attente"
	PaymentStatusPaid    PaymentStatus = "Payé"
	PaymentStatusFailed  PaymentStatus = "Échoué"
)

type PaymentInfo struct {
	Method       PaymentMethod `json:"method"`
	MobileNumber string        `json:"mobile_number,omitempty"`
	WhatsApp     string        `json:"whatsapp,omitempty"`
	CardNumber   string        `json:"card_number,omitempty"`
	CardHolder   string        `json:"card_holder,omitempty"`
	CardExpiry   string        `json:"card_expiry,omitempty"`
}

// DerivePaymentStatus resolves the effective payment status from the method
// and the order's lifecycle status. Cash is collected by the courier, so a
// cash order is paid only once delivered; prepaid methods are paid as soon as
// the order exists (a failed charge is recorded on the order itself and
// handled before this is consulted).
func DerivePaymentStatus(method PaymentMethod, orderStatus OrderStatus) PaymentStatus {
	switch method {
	case PaymentCash:
		switch orderStatus {
		case OrderStatusDelivered:
			return PaymentStatusPaid
		case OrderStatusCancelled:
			return PaymentStatusFailed
		default:
			return PaymentStatusPending
		}
	case PaymentMobileMoney, PaymentCard:
		return PaymentStatusPaid
	default:
		return PaymentStatusPending
	}
}
