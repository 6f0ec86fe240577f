package checkout

import "github.com/akanda-apero/orderflow/pkg/models"

// Points earned per unit, by product category. Kits reward more because
// they bundle several products.
var loyaltyPointsPerUnit = map[string]int{
	"cocktails":  10,
	"coffrets":   15,
	"kits":       15,
	"spiritueux": 8,
	"bières":     3,
	"softs":      2,
}

const defaultPointsPerUnit = 5

// LoyaltyPoints computes the reward earned by an order from its item
// categories and quantities. Unrelated to payment.
func LoyaltyPoints(items []models.OrderItem) int {
	total := 0
	for _, item := range items {
		per, ok := loyaltyPointsPerUnit[item.Category]
		if !ok {
			per = defaultPointsPerUnit
		}
		total += per * item.Quantity
	}
	return total
}
