// Package normalizer turns supplier price-list rows into canonical products.
package normalizer

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pricewatch/models"
)

// Plausibility bounds relative to the category median.
var (
	implausiblyHighFactor = decimal.NewFromInt(5)
	implausiblyLowFactor  = decimal.NewFromFloat(0.2)
)

// minCategorySample is how many priced rows a category needs before the
// import's own median is used for plausibility warnings.
const minCategorySample = 3

// ColumnMapping maps canonical fields to spreadsheet column headers.
type ColumnMapping struct {
	Brand             string `json:"brand"`
	ProductName       string `json:"productName"`
	VariantSize       string `json:"variantSize,omitempty"`
	EAN               string `json:"ean,omitempty"`
	WholesalePrice    string `json:"wholesalePrice"`
	Currency          string `json:"currency"`
	PackSize          string `json:"packSize,omitempty"`
	LastPurchasePrice string `json:"lastPurchasePrice,omitempty"`
	Availability      string `json:"availability,omitempty"`
	Notes             string `json:"notes,omitempty"`
	Category          string `json:"category,omitempty"`
}

// Issue is a row-level error or warning.
type Issue struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("row %d: %s: %s", i.Row, i.Field, i.Message)
}

// RowResult is the outcome of normalizing one row. Normalized is nil when
// the row has at least one error.
type RowResult struct {
	Normalized *models.NormalizedProduct `json:"normalized"`
	Errors     []Issue                   `json:"errors"`
	Warnings   []Issue                   `json:"warnings"`
}

// Report summarizes a whole import.
type Report struct {
	TotalRows int                        `json:"totalRows"`
	ValidRows int                        `json:"validRows"`
	Products  []models.NormalizedProduct `json:"-"`
	Errors    []Issue                    `json:"errors"`
	Warnings  []Issue                    `json:"warnings"`
}

// Normalizer normalizes rows for one supplier. It holds no mutable state
// and is safe for concurrent use.
type Normalizer struct {
	supplierID string
	medians    map[string]decimal.Decimal
	now        func() time.Time
	newID      func() string
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithCategoryMedians sets reference wholesale medians keyed by category
// (case-insensitive) used for plausibility warnings.
func WithCategoryMedians(medians map[string]decimal.Decimal) Option {
	return func(n *Normalizer) {
		for k, v := range medians {
			n.medians[categoryKey(k)] = v
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New creates a Normalizer for the given supplier.
func New(supplierID string, opts ...Option) *Normalizer {
	n := &Normalizer{
		supplierID: supplierID,
		medians:    make(map[string]decimal.Decimal),
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NormalizeRow maps a raw row through mapping. It never fails as a whole:
// problems are reported as errors (row rejected) or warnings (row kept).
func (n *Normalizer) NormalizeRow(row map[string]string, mapping ColumnMapping, rowNumber int) RowResult {
	var res RowResult
	addErr := func(field, msg string) {
		res.Errors = append(res.Errors, Issue{Row: rowNumber, Field: field, Message: msg})
	}
	addWarn := func(field, msg string) {
		res.Warnings = append(res.Warnings, Issue{Row: rowNumber, Field: field, Message: msg})
	}

	brand := cell(row, mapping.Brand)
	name := cell(row, mapping.ProductName)
	priceText := cell(row, mapping.WholesalePrice)
	currencyText := cell(row, mapping.Currency)

	if brand == "" {
		addErr("brand", "brand is required")
	}
	if name == "" {
		addErr("productName", "productName is required")
	}

	var price decimal.Decimal
	var detected string
	if priceText == "" {
		addErr("wholesalePrice", "wholesalePrice is required")
	} else {
		p, cur, err := ParseAmount(priceText)
		switch {
		case err != nil:
			addErr("wholesalePrice", fmt.Sprintf("cannot parse %q as a price", priceText))
		case !p.IsPositive():
			addErr("wholesalePrice", "wholesalePrice must be greater than zero")
		default:
			price, detected = p, cur
		}
	}

	var currency string
	if currencyText == "" {
		addErr("currency", "currency is required")
	} else if code, ok := NormalizeCurrency(currencyText); !ok {
		addErr("currency", fmt.Sprintf("%q is not a valid currency code", currencyText))
	} else {
		currency = code
		if detected != "" && detected != code {
			addWarn("currency", fmt.Sprintf("price cell suggests %s but currency column says %s", detected, code))
		}
	}

	packSize := 1
	if raw := cell(row, mapping.PackSize); raw != "" {
		v, _, err := ParseAmount(raw)
		if err != nil || !v.IsInteger() || !v.IsPositive() {
			addErr("packSize", fmt.Sprintf("cannot parse %q as a pack size", raw))
		} else {
			packSize = int(v.IntPart())
		}
	}

	var lastPurchase decimal.NullDecimal
	if raw := cell(row, mapping.LastPurchasePrice); raw != "" {
		v, _, err := ParseAmount(raw)
		if err != nil {
			addErr("lastPurchasePrice", fmt.Sprintf("cannot parse %q as a price", raw))
		} else {
			lastPurchase = decimal.NullDecimal{Decimal: v, Valid: true}
		}
	}

	var ean *string
	if raw := cell(row, mapping.EAN); raw == "" {
		addWarn("ean", "ean is missing")
	} else {
		code := DigitsOnly(raw)
		if code == "" {
			addWarn("ean", fmt.Sprintf("%q contains no digits, ignored", raw))
		} else {
			if !ValidGTIN(code) {
				addWarn("ean", fmt.Sprintf("%s fails the GTIN checksum", code))
			}
			ean = &code
		}
	}

	variant := cell(row, mapping.VariantSize)
	if mapping.VariantSize != "" && variant == "" {
		addWarn("variantSize", "variantSize is missing")
	}

	if len(res.Errors) > 0 {
		return res
	}

	category := cell(row, mapping.Category)
	if median, ok := n.medians[categoryKey(categoryOrBrand(category, brand))]; ok {
		if w := plausibilityWarning(price, median); w != "" {
			addWarn("wholesalePrice", w)
		}
	}

	now := n.now()
	res.Normalized = &models.NormalizedProduct{
		ID:                n.newID(),
		SupplierID:        n.supplierID,
		Brand:             brand,
		ProductName:       name,
		VariantSize:       variant,
		EAN:               ean,
		Category:          category,
		WholesalePrice:    price,
		Currency:          currency,
		PackSize:          packSize,
		LastPurchasePrice: lastPurchase,
		Availability:      cell(row, mapping.Availability),
		Notes:             cell(row, mapping.Notes),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return res
}

// NormalizeRows normalizes every row. firstRow is the spreadsheet row number
// of rows[0]. When no reference median is configured for a category, the
// import's own median is used once the category has enough rows.
func (n *Normalizer) NormalizeRows(rows []map[string]string, mapping ColumnMapping, firstRow int) Report {
	var report Report
	rowNumbers := make([]int, 0, len(rows))

	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		report.TotalRows++
		rowNumber := firstRow + i
		res := n.NormalizeRow(row, mapping, rowNumber)
		report.Errors = append(report.Errors, res.Errors...)
		report.Warnings = append(report.Warnings, res.Warnings...)
		if res.Normalized != nil {
			report.Products = append(report.Products, *res.Normalized)
			rowNumbers = append(rowNumbers, rowNumber)
		}
	}
	report.ValidRows = len(report.Products)

	byCategory := make(map[string][]decimal.Decimal)
	for _, p := range report.Products {
		key := categoryKey(categoryOrBrand(p.Category, p.Brand))
		if _, configured := n.medians[key]; configured {
			continue
		}
		byCategory[key] = append(byCategory[key], p.WholesalePrice)
	}

	for i, p := range report.Products {
		prices := byCategory[categoryKey(categoryOrBrand(p.Category, p.Brand))]
		if len(prices) < minCategorySample {
			continue
		}
		if w := plausibilityWarning(p.WholesalePrice, medianOf(prices)); w != "" {
			report.Warnings = append(report.Warnings, Issue{Row: rowNumbers[i], Field: "wholesalePrice", Message: w})
		}
	}
	return report
}

func plausibilityWarning(price, median decimal.Decimal) string {
	if !median.IsPositive() {
		return ""
	}
	if price.GreaterThan(median.Mul(implausiblyHighFactor)) {
		return fmt.Sprintf("price %s is implausibly high versus category median %s", price.StringFixed(2), median.StringFixed(2))
	}
	if price.LessThan(median.Mul(implausiblyLowFactor)) {
		return fmt.Sprintf("price %s is implausibly low versus category median %s", price.StringFixed(2), median.StringFixed(2))
	}
	return ""
}

func medianOf(values []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

// cell looks a column up by exact header, then case-insensitively.
func cell(row map[string]string, column string) string {
	if column == "" {
		return ""
	}
	if v, ok := row[column]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range row {
		if strings.EqualFold(strings.TrimSpace(k), strings.TrimSpace(column)) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func categoryOrBrand(category, brand string) string {
	if category != "" {
		return category
	}
	return brand
}

func categoryKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
