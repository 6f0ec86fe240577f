package models

import (
	"time"
)

// Order lifecycle statuses used by the back office, in French.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "En attente"
	OrderStatusConfirmed  OrderStatus = "Confirmée"
	OrderStatusPreparing  OrderStatus = "En préparation"
	OrderStatusDelivering OrderStatus = "En livraison"
	OrderStatusDelivered  OrderStatus = "Livrée"
	OrderStatusCancelled  OrderStatus = "Annulée"
)

func ValidOrderStatus(s OrderStatus) bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusPreparing,
		OrderStatusDelivering, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

type OrderItem struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Category    string `json:"category,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

// OrderDraft is what checkout submits: normalized customer data, the
// validated item subset and the computed totals. It is never stored as-is;
// CreateOrder turns it into an Order.
type OrderDraft struct {
	CustomerName  string        `json:"customer_name"`
	CustomerPhone string        `json:"customer_phone"`
	WhatsAppPhone string        `json:"whatsapp_phone,omitempty"`
	Delivery      DeliveryInfo  `json:"delivery"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Items         []OrderItem   `json:"items"`
	Totals        CartTotals    `json:"totals"`
	LoyaltyPoints int           `json:"loyalty_points"`
}

type Order struct {
	ID            string        `json:"id"`
	Number        string        `json:"number"`
	CustomerName  string        `json:"customer_name"`
	CustomerPhone string        `json:"customer_phone"`
	WhatsAppPhone string        `json:"whatsapp_phone,omitempty"`
	Delivery      DeliveryInfo  `json:"delivery"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Status        OrderStatus   `json:"status"`
	Items         []OrderItem   `json:"items"`
	Totals        CartTotals    `json:"totals"`
	LoyaltyPoints int           `json:"loyalty_points"`
	CreatedAt     time.Time     `json:"created_at"`
}

type OrderResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	OrderID     string `json:"order_id,omitempty"`
	OrderNumber string `json:"order_number,omitempty"`
	Order       *Order `json:"order,omitempty"`
}

// OrderConfirmation is the record cached after a successful checkout so a
// reload shortly after can land back on the confirmation screen.
type OrderConfirmation struct {
	OrderNumber          string    `json:"order_number"`
	LoyaltyPoints        int       `json:"loyalty_points"`
	CurrentLoyaltyPoints int       `json:"current_loyalty_points"`
	Timestamp            time.Time `json:"timestamp"`
}

// CustomerSummary is the per-customer aggregate shown in the back office,
// keyed by normalized phone number.
type CustomerSummary struct {
	Phone       string    `json:"phone"`
	Name        string    `json:"name"`
	OrderCount  int       `json:"order_count"`
	TotalSpent  int64     `json:"total_spent"`
	LastOrderAt time.Time `json:"last_order_at"`
}
