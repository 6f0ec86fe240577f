// Package cart holds the session-scoped shopping cart and its totals math.
// The cart is an explicitly-owned object handed to whoever needs it; nothing
// in this package keeps global state.
package cart

import (
	"sort"
	"sync"

	"github.com/akanda-apero/orderflow/pkg/models"
)

// Cart is a mutable set of line items keyed by product ID. Safe for
// concurrent use; HTTP handlers and the checkout flow share one per session.
type Cart struct {
	mu    sync.Mutex
	items map[string]models.CartLineItem
}

func New() *Cart {
	return &Cart{items: make(map[string]models.CartLineItem)}
}

// Add inserts a product or bumps its quantity if already present.
// Quantities below 1 are treated as 1.
func (c *Cart) Add(p models.Product, quantity int) {
	if quantity < 1 {
		quantity = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[p.ID]; ok {
		existing.Quantity += quantity
		c.items[p.ID] = existing
		return
	}
	c.items[p.ID] = models.CartLineItem{Product: p, Quantity: quantity}
}

// SetQuantity updates a line's quantity; zero or negative removes the line.
func (c *Cart) SetQuantity(productID string, quantity int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[productID]
	if !ok {
		return false
	}
	if quantity < 1 {
		delete(c.items, productID)
		return true
	}
	item.Quantity = quantity
	c.items[productID] = item
	return true
}

func (c *Cart) Remove(productID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[productID]; !ok {
		return false
	}
	delete(c.items, productID)
	return true
}

// RemoveItems drops exactly the given product IDs, leaving everything else
// in place. Used after a partial submission so items the customer chose not
// to submit survive.
func (c *Cart) RemoveItems(productIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range productIDs {
		delete(c.items, id)
	}
}

// Items returns a stable-ordered snapshot of the cart.
func (c *Cart) Items() []models.CartLineItem {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.CartLineItem, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Product.ID < out[j].Product.ID
	})
	return out
}

func (c *Cart) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]models.CartLineItem)
}

// Replace swaps the full contents, used when restoring a cart snapshot
// after an auth redirect.
func (c *Cart) Replace(items []models.CartLineItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]models.CartLineItem, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			item.Quantity = 1
		}
		c.items[item.Product.ID] = item
	}
}
