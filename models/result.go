package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Observation is a candidate price produced by a scraper adapter before it
// is ranked and persisted.
type Observation struct {
	SourceID       string              `json:"sourceId"`
	SourceName     string              `json:"sourceName"`
	SourcePriority int                 `json:"sourcePriority"`
	Title          string              `json:"title"`
	Brand          string              `json:"brand,omitempty"`
	EAN            string              `json:"ean,omitempty"`
	Merchant       string              `json:"merchant"`
	URL            string              `json:"url"`
	Price          decimal.Decimal     `json:"price"`
	Currency       string              `json:"currency"`
	PriceInclVat   decimal.NullDecimal `json:"priceInclVat"`
	ShippingCost   decimal.NullDecimal `json:"shippingCost"`
	Availability   string              `json:"availability"`
	Confidence     float64             `json:"confidence"`
	ScrapedAt      time.Time           `json:"scrapedAt"`
}

// PriceScrapingResult is one persisted price observation. Append-only.
type PriceScrapingResult struct {
	ID                  string              `json:"id" db:"id"`
	NormalizedProductID string              `json:"normalizedProductId" db:"normalized_product_id"`
	SourceID            string              `json:"sourceId" db:"source_id"`
	JobID               string              `json:"jobId" db:"job_id"`
	ProductTitle        string              `json:"productTitle" db:"product_title"`
	Merchant            string              `json:"merchant" db:"merchant"`
	URL                 string              `json:"url" db:"url"`
	Price               decimal.Decimal     `json:"price" db:"price"`
	Currency            string              `json:"currency" db:"currency"`
	PriceInclVat        decimal.NullDecimal `json:"priceInclVat" db:"price_incl_vat"`
	ShippingCost        decimal.NullDecimal `json:"shippingCost" db:"shipping_cost"`
	Availability        string              `json:"availability" db:"availability"`
	ConfidenceScore     float64             `json:"confidenceScore" db:"confidence_score"`
	IsLowestPrice       bool                `json:"isLowestPrice" db:"is_lowest_price"`
	ScrapedAt           time.Time           `json:"scrapedAt" db:"scraped_at"`
}

// ResultWithProduct pairs a result with the wholesale price of its product,
// as needed for margin analytics.
type ResultWithProduct struct {
	PriceScrapingResult
	WholesalePrice decimal.NullDecimal `json:"wholesalePrice" db:"wholesale_price"`
	SupplierID     string              `json:"supplierId" db:"supplier_id"`
}

// ResultFilter narrows a result query. Zero values mean "any".
type ResultFilter struct {
	JobID         string
	SourceID      string
	ProductID     string
	SupplierID    string
	From          *time.Time
	To            *time.Time
	MinConfidence float64
	Limit         int
}
