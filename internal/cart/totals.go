package cart

import (
	"errors"
	"fmt"
	"math"

	"github.com/akanda-apero/orderflow/pkg/models"
)

var (
	ErrNegativeTotal   = errors.New("cart total is negative")
	ErrCorruptedAmount = errors.New("cart amount is not a finite number")
)

// EffectiveUnitPrice applies the promotional percentage discount when the
// product is flagged promo. Result stays in integer XAF, rounded.
func EffectiveUnitPrice(p models.Product) (int64, error) {
	if math.IsNaN(p.Discount) || math.IsInf(p.Discount, 0) {
		return 0, fmt.Errorf("%w: discount=%f", ErrCorruptedAmount, p.Discount)
	}
	if !p.IsPromo || p.Discount <= 0 {
		return p.Price, nil
	}

	discounted := float64(p.Price) * (1 - p.Discount/100)
	if math.IsNaN(discounted) || math.IsInf(discounted, 0) {
		return 0, fmt.Errorf("%w: price=%d discount=%f", ErrCorruptedAmount, p.Price, p.Discount)
	}
	if discounted < 0 {
		discounted = 0
	}
	return int64(math.Round(discounted)), nil
}

// ComputeTotals aggregates line items, a cart-wide discount amount and the
// selected delivery option into the amounts checkout submits. It recomputes
// from scratch every call; callers must not cache across cart mutations.
func ComputeTotals(items []models.CartLineItem, discountAmount int64, option models.DeliveryOption) (models.CartTotals, error) {
	var subtotal int64
	for _, item := range items {
		if item.Quantity < 1 {
			return models.CartTotals{}, fmt.Errorf("invalid quantity %d for product %q", item.Quantity, item.Product.ID)
		}
		unit, err := EffectiveUnitPrice(item.Product)
		if err != nil {
			return models.CartTotals{}, err
		}
		subtotal += unit * int64(item.Quantity)
	}

	if discountAmount < 0 {
		discountAmount = 0
	}
	if discountAmount > subtotal {
		discountAmount = subtotal
	}

	totals := models.CartTotals{
		Subtotal:    subtotal,
		Discount:    discountAmount,
		DeliveryFee: models.DeliveryFee(option),
	}
	totals.Total = totals.Subtotal - totals.Discount + totals.DeliveryFee

	if totals.Total < 0 {
		return models.CartTotals{}, fmt.Errorf("%w: %d", ErrNegativeTotal, totals.Total)
	}
	return totals, nil
}
