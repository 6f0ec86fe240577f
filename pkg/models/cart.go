package models

// Product types that may appear in a cart. Catalog products carry UUID
// identifiers; ready-made kits ("coffrets") are assembled client-side and
// carry a type marker instead.
const (
	ProductTypeCatalog = "catalog"
	ProductTypeKit     = "kit"
	ProductTypeCoffret = "coffret"
)

type Product struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type,omitempty"`
	Category string  `json:"category,omitempty"`
	Price    int64   `json:"price"`
	ImageURL string  `json:"image_url,omitempty"`
	Discount float64 `json:"discount,omitempty"`
	IsPromo  bool    `json:"is_promo,omitempty"`
}

type CartLineItem struct {
	Product  Product `json:"product"`
	Quantity int     `json:"quantity"`
}

// CartTotals is the result of aggregating a cart against a delivery option.
// All amounts are integer XAF.
type CartTotals struct {
	Subtotal    int64 `json:"subtotal"`
	Discount    int64 `json:"discount"`
	DeliveryFee int64 `json:"delivery_fee"`
	Total       int64 `json:"total"`
}
