// Package analytics computes margins, outlier filtering and aggregate
// statistics over scraped price results.
package analytics

import (
	"sort"

	"github.com/shopspring/decimal"

	"pricewatch/models"
)

const (
	// HighConfidence is the confidence at which a result counts as high confidence.
	HighConfidence = 0.8
	// OutlierFactor is how far above the batch median a price may go.
	OutlierFactor = 3
)

var hundred = decimal.NewFromInt(100)

// Margin returns (retail - wholesale) / wholesale in percent. ok is false
// when the wholesale price is zero or negative.
func Margin(retail, wholesale decimal.Decimal) (margin decimal.Decimal, ok bool) {
	if !wholesale.IsPositive() {
		return decimal.Zero, false
	}
	return retail.Sub(wholesale).Div(wholesale).Mul(hundred).Round(2), true
}

// Median returns the median of prices, or zero for an empty slice.
func Median(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

// FilterOutliers drops every result priced above OutlierFactor times the
// median of the batch. Order is preserved.
func FilterOutliers(results []models.PriceScrapingResult) (kept, dropped []models.PriceScrapingResult) {
	if len(results) == 0 {
		return results, nil
	}
	prices := make([]decimal.Decimal, len(results))
	for i, r := range results {
		prices[i] = r.Price
	}
	limit := Median(prices).Mul(decimal.NewFromInt(OutlierFactor))

	kept = make([]models.PriceScrapingResult, 0, len(results))
	for _, r := range results {
		if r.Price.GreaterThan(limit) {
			dropped = append(dropped, r)
			continue
		}
		kept = append(kept, r)
	}
	return kept, dropped
}

// Options parameterize CalculateAnalytics.
type Options struct {
	// MarginThreshold is the opportunity margin in percent.
	MarginThreshold float64
	// ConfidenceThreshold is the job-level acceptance threshold.
	ConfidenceThreshold float64
}

// Summary aggregates a result set.
type Summary struct {
	TotalResults          int             `json:"totalResults"`
	AveragePrice          decimal.Decimal `json:"averagePrice"`
	AverageConfidence     float64         `json:"averageConfidence"`
	HighConfidenceResults int             `json:"highConfidenceResults"`
	AboveThresholdResults int             `json:"aboveThresholdResults"`
	DistinctSources       int             `json:"distinctSources"`
	DistinctProducts      int             `json:"distinctProducts"`
	Opportunities         int             `json:"opportunities"`
	AverageMargin         decimal.Decimal `json:"averageMargin"`
	MarginThreshold       float64         `json:"marginThreshold"`
}

// CalculateAnalytics aggregates rows. Rows without a positive wholesale
// price are left out of the margin figures only.
func CalculateAnalytics(rows []models.ResultWithProduct, opts Options) Summary {
	if opts.MarginThreshold <= 0 {
		opts.MarginThreshold = models.DefaultMarginThreshold
	}
	summary := Summary{
		TotalResults:    len(rows),
		AveragePrice:    decimal.Zero,
		AverageMargin:   decimal.Zero,
		MarginThreshold: opts.MarginThreshold,
	}
	if len(rows) == 0 {
		return summary
	}

	threshold := decimal.NewFromFloat(opts.MarginThreshold)
	sources := make(map[string]struct{})
	products := make(map[string]struct{})
	priceSum := decimal.Zero
	marginSum := decimal.Zero
	margins := 0
	confidenceSum := 0.0

	for _, row := range rows {
		priceSum = priceSum.Add(row.Price)
		confidenceSum += row.ConfidenceScore
		if row.ConfidenceScore >= HighConfidence {
			summary.HighConfidenceResults++
		}
		if row.ConfidenceScore >= opts.ConfidenceThreshold {
			summary.AboveThresholdResults++
		}
		sources[row.SourceID] = struct{}{}
		products[row.NormalizedProductID] = struct{}{}

		if !row.WholesalePrice.Valid {
			continue
		}
		margin, ok := Margin(row.Price, row.WholesalePrice.Decimal)
		if !ok {
			continue
		}
		margins++
		marginSum = marginSum.Add(margin)
		if margin.GreaterThanOrEqual(threshold) {
			summary.Opportunities++
		}
	}

	n := decimal.NewFromInt(int64(len(rows)))
	summary.AveragePrice = priceSum.Div(n).Round(2)
	summary.AverageConfidence = confidenceSum / float64(len(rows))
	summary.DistinctSources = len(sources)
	summary.DistinctProducts = len(products)
	if margins > 0 {
		summary.AverageMargin = marginSum.Div(decimal.NewFromInt(int64(margins))).Round(2)
	}
	return summary
}
