package models

import "time"

type DeliveryOption string

const (
	DeliveryPickup   DeliveryOption = "pickup"
	DeliveryStandard DeliveryOption = "standard"
	DeliveryExpress  DeliveryOption = "express"
	DeliveryNight    DeliveryOption = "nuit"
)

// Fixed delivery fees in XAF.
var deliveryFees = map[DeliveryOption]int64{
	DeliveryPickup:   0,
	DeliveryStandard: 2000,
	DeliveryExpress:  3000,
	DeliveryNight:    3500,
}

// DeliveryFee returns the fee for the given option. An empty or unknown
// option falls back to the standard fee; the storefront has always behaved
// this way and callers rely on it, so it is a documented default rather
// than an error.
func DeliveryFee(option DeliveryOption) int64 {
	if fee, ok := deliveryFees[option]; ok {
		return fee
	}
	return deliveryFees[DeliveryStandard]
}

// KnownDeliveryOption reports whether option is one of the enumerated tiers.
func KnownDeliveryOption(option DeliveryOption) bool {
	_, ok := deliveryFees[option]
	return ok
}

const nightCutoffHour = 22

// ForcedOption returns the delivery option imposed by the time of day, or ""
// when the customer is free to choose. From 22:00 local time only the night
// tier operates.
func ForcedOption(now time.Time) DeliveryOption {
	if now.Hour() >= nightCutoffHour {
		return DeliveryNight
	}
	return ""
}

type Location struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	HasLocation bool    `json:"has_location"`
}

type DeliveryInfo struct {
	FullName       string         `json:"full_name"`
	Phone          string         `json:"phone"`
	Address        string         `json:"address"`
	City           string         `json:"city"`
	District       string         `json:"district"`
	AdditionalInfo string         `json:"additional_info,omitempty"`
	DeliveryOption DeliveryOption `json:"delivery_option"`
	Location       Location       `json:"location"`
}
