package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertType identifies the kind of scraping alert.
type AlertType string

const (
	AlertTypeMarginOpportunity AlertType = "MARGIN_OPPORTUNITY"
)

// ScrapingAlert is raised when a scraped retail price leaves enough margin
// over the supplier's wholesale price. Never mutated.
type ScrapingAlert struct {
	ID                  string          `json:"id" db:"id"`
	NormalizedProductID string          `json:"normalizedProductId" db:"normalized_product_id"`
	ResultID            *string         `json:"resultId,omitempty" db:"result_id"`
	AlertType           AlertType       `json:"alertType" db:"alert_type"`
	Message             string          `json:"message" db:"message"`
	CurrentMargin       decimal.Decimal `json:"currentMargin" db:"current_margin"`
	TargetMargin        decimal.Decimal `json:"targetMargin" db:"target_margin"`
	CreatedAt           time.Time       `json:"createdAt" db:"created_at"`
}
