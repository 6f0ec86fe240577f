// Package storage persists orders in Postgres. Schema is created at boot;
// the service owns its tables.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/akanda-apero/orderflow/pkg/models"
)

var (
	ErrNotFound      = errors.New("order not found")
	ErrInvalidStatus = errors.New("invalid order status")
)

type OrderRepository struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewOrderRepository(db *sql.DB, logger *logrus.Logger) (*OrderRepository, error) {
	repo := &OrderRepository{db: db, logger: logger}
	if err := repo.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return repo, nil
}

func (r *OrderRepository) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(64) PRIMARY KEY,
			number VARCHAR(32) NOT NULL UNIQUE,
			customer_name VARCHAR(255) NOT NULL,
			customer_phone VARCHAR(32) NOT NULL,
			whatsapp_phone VARCHAR(32),
			address TEXT,
			city VARCHAR(128),
			district VARCHAR(128),
			additional_info TEXT,
			delivery_option VARCHAR(32) NOT NULL,
			lat DOUBLE PRECISION,
			lng DOUBLE PRECISION,
			has_location BOOLEAN NOT NULL DEFAULT FALSE,
			payment_method VARCHAR(32) NOT NULL,
			payment_status VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			subtotal BIGINT NOT NULL,
			discount BIGINT NOT NULL DEFAULT 0,
			delivery_fee BIGINT NOT NULL,
			total BIGINT NOT NULL,
			loyalty_points INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL REFERENCES orders(id),
			product_id VARCHAR(64) NOT NULL,
			product_name VARCHAR(255) NOT NULL,
			category VARCHAR(128),
			quantity INTEGER NOT NULL,
			unit_price BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_number_seq (
			day DATE PRIMARY KEY,
			seq BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_customer_phone ON orders(customer_phone)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// nextOrderNumber allocates a daily sequential number, AKA-YYYYMMDD-NNN.
// The upsert makes allocation safe across concurrent submissions.
func (r *OrderRepository) nextOrderNumber(ctx context.Context, tx *sql.Tx, day time.Time) (string, error) {
	const query = `
		INSERT INTO order_number_seq (day, seq) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET seq = order_number_seq.seq + 1
		RETURNING seq`

	var seq int64
	if err := tx.QueryRowContext(ctx, query, day.Format("2006-01-02")).Scan(&seq); err != nil {
		return "", fmt.Errorf("failed to allocate order number: %w", err)
	}
	return fmt.Sprintf("AKA-%s-%03d", day.Format("20060102"), seq), nil
}

// CreateOrder persists the draft atomically and returns the assigned ID and
// number. The order lands with status "En attente"; prepaid methods start
// with payment "En attente" too until the charge confirms.
func (r *OrderRepository) CreateOrder(ctx context.Context, draft models.OrderDraft) (models.OrderResponse, error) {
	if len(draft.Items) == 0 {
		return models.OrderResponse{Success: false, Message: "commande vide"}, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return models.OrderResponse{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	orderID := uuid.New().String()

	number, err := r.nextOrderNumber(ctx, tx, now.UTC())
	if err != nil {
		return models.OrderResponse{}, err
	}

	const orderQuery = `
		INSERT INTO orders (
			id, number, customer_name, customer_phone, whatsapp_phone,
			address, city, district, additional_info, delivery_option,
			lat, lng, has_location,
			payment_method, payment_status, status,
			subtotal, discount, delivery_fee, total, loyalty_points, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`

	_, err = tx.ExecContext(ctx, orderQuery,
		orderID, number, draft.CustomerName, draft.CustomerPhone, draft.WhatsAppPhone,
		draft.Delivery.Address, draft.Delivery.City, draft.Delivery.District,
		draft.Delivery.AdditionalInfo, string(draft.Delivery.DeliveryOption),
		draft.Delivery.Location.Lat, draft.Delivery.Location.Lng, draft.Delivery.Location.HasLocation,
		string(draft.PaymentMethod), string(models.PaymentStatusPending), string(models.OrderStatusPending),
		draft.Totals.Subtotal, draft.Totals.Discount, draft.Totals.DeliveryFee,
		draft.Totals.Total, draft.LoyaltyPoints, now,
	)
	if err != nil {
		return models.OrderResponse{}, fmt.Errorf("failed to insert order: %w", err)
	}

	const itemQuery = `
		INSERT INTO order_items (order_id, product_id, product_name, category, quantity, unit_price)
		VALUES ($1,$2,$3,$4,$5,$6)`

	for _, item := range draft.Items {
		if _, err := tx.ExecContext(ctx, itemQuery,
			orderID, item.ProductID, item.ProductName, item.Category, item.Quantity, item.UnitPrice,
		); err != nil {
			return models.OrderResponse{}, fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return models.OrderResponse{}, fmt.Errorf("failed to commit order: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"order_id":     orderID,
		"order_number": number,
		"total":        draft.Totals.Total,
	}).Info("Order persisted")

	return models.OrderResponse{Success: true, OrderID: orderID, OrderNumber: number}, nil
}

// UpdatePaymentStatus flags the order paid or unpaid. Independent and
// idempotent: checkout may call it after a charge long after creation.
func (r *OrderRepository) UpdatePaymentStatus(ctx context.Context, orderID string, status models.PaymentStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE orders SET payment_status = $1 WHERE id = $2`,
		string(status), orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateOrderStatus moves an order through its lifecycle (back office).
func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	if !models.ValidOrderStatus(status) {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = $1 WHERE id = $2`,
		string(status), orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	// Cash settles on delivery; keep the stored payment status in line.
	if status == models.OrderStatusDelivered || status == models.OrderStatusCancelled {
		var method string
		if err := r.db.QueryRowContext(ctx,
			`SELECT payment_method FROM orders WHERE id = $1`, orderID,
		).Scan(&method); err == nil && method == string(models.PaymentCash) {
			derived := models.DerivePaymentStatus(models.PaymentCash, status)
			if _, err := r.db.ExecContext(ctx,
				`UPDATE orders SET payment_status = $1 WHERE id = $2`,
				string(derived), orderID,
			); err != nil {
				r.logger.WithError(err).WithField("order_id", orderID).Error("Failed to derive cash payment status")
			}
		}
	}

	return nil
}

func (r *OrderRepository) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	const query = `
		SELECT id, number, customer_name, customer_phone, COALESCE(whatsapp_phone, ''),
			COALESCE(address, ''), COALESCE(city, ''), COALESCE(district, ''),
			COALESCE(additional_info, ''), delivery_option,
			COALESCE(lat, 0), COALESCE(lng, 0), has_location,
			payment_method, payment_status, status,
			subtotal, discount, delivery_fee, total, loyalty_points, created_at
		FROM orders WHERE id = $1`

	order := &models.Order{}
	err := r.db.QueryRowContext(ctx, query, orderID).Scan(
		&order.ID, &order.Number, &order.CustomerName, &order.CustomerPhone, &order.WhatsAppPhone,
		&order.Delivery.Address, &order.Delivery.City, &order.Delivery.District,
		&order.Delivery.AdditionalInfo, &order.Delivery.DeliveryOption,
		&order.Delivery.Location.Lat, &order.Delivery.Location.Lng, &order.Delivery.Location.HasLocation,
		&order.PaymentMethod, &order.PaymentStatus, &order.Status,
		&order.Totals.Subtotal, &order.Totals.Discount, &order.Totals.DeliveryFee,
		&order.Totals.Total, &order.LoyaltyPoints, &order.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	order.Delivery.FullName = order.CustomerName
	order.Delivery.Phone = order.CustomerPhone

	items, err := r.orderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

func (r *OrderRepository) orderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT product_id, product_name, COALESCE(category, ''), quantity, unit_price
		 FROM order_items WHERE order_id = $1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	defer rows.Close()

	var items []models.OrderItem
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Category, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListOrders returns orders newest first, optionally filtered by status.
func (r *OrderRepository) ListOrders(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	query := `
		SELECT id, number, customer_name, customer_phone, payment_method,
			payment_status, status, total, loyalty_points, created_at
		FROM orders`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := rows.Scan(
			&order.ID, &order.Number, &order.CustomerName, &order.CustomerPhone,
			&order.PaymentMethod, &order.PaymentStatus, &order.Status,
			&order.Totals.Total, &order.LoyaltyPoints, &order.CreatedAt,
		); err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// LoyaltyBalance sums points from every non-cancelled order of this phone.
func (r *OrderRepository) LoyaltyBalance(ctx context.Context, phone string) (int, error) {
	var balance int
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(loyalty_points), 0) FROM orders
		 WHERE customer_phone = $1 AND status != $2`,
		phone, string(models.OrderStatusCancelled),
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read loyalty balance: %w", err)
	}
	return balance, nil
}

// CustomerSummaries aggregates orders per phone number for the CRM view.
func (r *OrderRepository) CustomerSummaries(ctx context.Context) ([]models.CustomerSummary, error) {
	const query = `
		SELECT customer_phone,
			(ARRAY_AGG(customer_name ORDER BY created_at DESC))[1],
			COUNT(*), COALESCE(SUM(total), 0), MAX(created_at)
		FROM orders
		GROUP BY customer_phone
		ORDER BY MAX(created_at) DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate customers: %w", err)
	}
	defer rows.Close()

	var summaries []models.CustomerSummary
	for rows.Next() {
		var s models.CustomerSummary
		if err := rows.Scan(&s.Phone, &s.Name, &s.OrderCount, &s.TotalSpent, &s.LastOrderAt); err != nil {
			return nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}
