package checkout

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/akanda-apero/orderflow/pkg/models"
)

// InvalidItem pairs a rejected cart line with the reason it was rejected,
// so the customer can be told exactly what will be dropped.
type InvalidItem struct {
	Item   models.CartLineItem `json:"item"`
	Reason string              `json:"reason"`
}

// ValidateItem applies the submission rules in order. Catalog products must
// carry a UUID; ready-made kits are assembled client-side and are identified
// by their type marker instead.
func ValidateItem(item models.CartLineItem) (bool, string) {
	p := item.Product

	if p.ID == "" || p.ID == "0" {
		return false, "identifiant produit manquant"
	}
	if p.Name == "" {
		return false, fmt.Sprintf("nom manquant pour le produit %s", p.ID)
	}
	if p.Price <= 0 {
		return false, fmt.Sprintf("prix invalide pour %s", p.Name)
	}
	if item.Quantity <= 0 {
		return false, fmt.Sprintf("quantité invalide pour %s", p.Name)
	}

	if _, err := uuid.Parse(p.ID); err == nil {
		return true, ""
	}

	if isKitType(p.Type) {
		return true, ""
	}

	return false, fmt.Sprintf("identifiant non reconnu: %s", p.ID)
}

func isKitType(t string) bool {
	return t == models.ProductTypeKit || t == models.ProductTypeCoffret
}

// PartitionItems splits a cart snapshot into submittable and rejected lines.
func PartitionItems(items []models.CartLineItem) (valid []models.CartLineItem, invalid []InvalidItem) {
	for _, item := range items {
		if ok, reason := ValidateItem(item); ok {
			valid = append(valid, item)
		} else {
			invalid = append(invalid, InvalidItem{Item: item, Reason: reason})
		}
	}
	return valid, invalid
}
