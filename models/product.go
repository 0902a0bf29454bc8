package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NormalizedProduct is a supplier price-list row in canonical form.
type NormalizedProduct struct {
	ID                string              `json:"id" db:"id"`
	SupplierID        string              `json:"supplierId" db:"supplier_id"`
	Brand             string              `json:"brand" db:"brand"`
	ProductName       string              `json:"productName" db:"product_name"`
	VariantSize       string              `json:"variantSize" db:"variant_size"`
	EAN               *string             `json:"ean,omitempty" db:"ean"`
	Category          string              `json:"category,omitempty" db:"category"`
	WholesalePrice    decimal.Decimal     `json:"wholesalePrice" db:"wholesale_price"`
	Currency          string              `json:"currency" db:"currency"`
	PackSize          int                 `json:"packSize" db:"pack_size"`
	LastPurchasePrice decimal.NullDecimal `json:"lastPurchasePrice" db:"last_purchase_price"`
	Availability      string              `json:"availability" db:"availability"`
	Notes             string              `json:"notes" db:"notes"`
	CreatedAt         time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time           `json:"updatedAt" db:"updated_at"`
}

// HasEAN reports whether the product carries a barcode.
func (p NormalizedProduct) HasEAN() bool {
	return p.EAN != nil && *p.EAN != ""
}

// EANValue returns the barcode or an empty string.
func (p NormalizedProduct) EANValue() string {
	if p.EAN == nil {
		return ""
	}
	return *p.EAN
}

// DisplayName is brand, name and variant joined, as shoppers would search it.
func (p NormalizedProduct) DisplayName() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{p.Brand, p.ProductName, p.VariantSize} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
