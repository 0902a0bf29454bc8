// Package services wires the scraping pipeline: scans, result ingestion,
// the source registry and supplier imports.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pricewatch/analytics"
	"pricewatch/logger"
	"pricewatch/metrics"
	"pricewatch/models"
	"pricewatch/notify"
)

// ResultStore persists scraped results.
type ResultStore interface {
	SaveResults(ctx context.Context, results []models.PriceScrapingResult) error
}

// AlertStore persists alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.ScrapingAlert) error
}

// Ingestor is the write path for scraped results: outlier filtering,
// persistence and best-effort margin alerts.
type Ingestor struct {
	results  ResultStore
	alerts   AlertStore
	notifier notify.Notifier
	metrics  *metrics.Metrics
	log      logger.Logger
	now      func() time.Time
	newID    func() string
}

// NewIngestor creates an Ingestor. notifier may be nil.
func NewIngestor(results ResultStore, alerts AlertStore, notifier notify.Notifier, m *metrics.Metrics, log logger.Logger) *Ingestor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Ingestor{
		results:  results,
		alerts:   alerts,
		notifier: notifier,
		metrics:  m,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Ingest saves the ranked results of one product pass. Results priced above
// three times the pass median are dropped. The best remaining result keeps
// the lowest price flag. Alerts are raised after the save and never fail it.
func (i *Ingestor) Ingest(ctx context.Context, product models.NormalizedProduct, results []models.PriceScrapingResult, settings models.JobSettings) error {
	kept, dropped := analytics.FilterOutliers(results)
	if len(dropped) > 0 {
		i.metrics.OutlierDropped(len(dropped))
		i.log.Debug("Outlier prices dropped",
			logger.String("product_id", product.ID),
			logger.Int("dropped", len(dropped)),
		)
	}
	if len(kept) == 0 {
		return nil
	}
	flagBest(kept)

	if err := i.results.SaveResults(ctx, kept); err != nil {
		return fmt.Errorf("save results for product %s: %w", product.ID, err)
	}
	i.metrics.ResultSaved(len(kept))

	for _, r := range kept {
		if r.ConfidenceScore < settings.ConfidenceThreshold {
			continue
		}
		if err := i.raiseAlert(ctx, product, r, settings.MarginThreshold); err != nil {
			i.metrics.AlertCreated(true)
			i.log.Warn("Margin alert dropped",
				logger.String("product_id", product.ID),
				logger.String("result_id", r.ID),
				logger.Error(err),
			)
		}
	}
	return nil
}

// flagBest leaves exactly one lowest price flag, on the first result.
func flagBest(ranked []models.PriceScrapingResult) {
	for i := range ranked {
		ranked[i].IsLowestPrice = i == 0
	}
}

// raiseAlert creates one margin opportunity alert when r meets the target.
func (i *Ingestor) raiseAlert(ctx context.Context, product models.NormalizedProduct, r models.PriceScrapingResult, target float64) error {
	margin, ok := analytics.Margin(r.Price, product.WholesalePrice)
	if !ok {
		return nil
	}
	targetMargin := decimal.NewFromFloat(target)
	if margin.LessThan(targetMargin) {
		return nil
	}

	resultID := r.ID
	alert := models.ScrapingAlert{
		ID:                  i.newID(),
		NormalizedProductID: product.ID,
		ResultID:            &resultID,
		AlertType:           models.AlertTypeMarginOpportunity,
		Message: fmt.Sprintf("%s sells for %s %s at %s, %s%% over wholesale",
			product.DisplayName(), r.Price.StringFixed(2), r.Currency, r.Merchant, margin.StringFixed(1)),
		CurrentMargin: margin,
		TargetMargin:  targetMargin,
		CreatedAt:     i.now(),
	}
	if err := i.alerts.CreateAlert(ctx, &alert); err != nil {
		return err
	}
	i.metrics.AlertCreated(false)

	if err := i.notifier.Notify(ctx, alert, product, r); err != nil {
		i.log.Warn("Alert notification failed", logger.String("alert_id", alert.ID), logger.Error(err))
	}
	return nil
}

// jobSink adapts the Ingestor to one job's products and settings.
type jobSink struct {
	ingestor *Ingestor
	products map[string]models.NormalizedProduct
	settings models.JobSettings
}

func newJobSink(ingestor *Ingestor, products []models.NormalizedProduct, settings models.JobSettings) *jobSink {
	byID := make(map[string]models.NormalizedProduct, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return &jobSink{ingestor: ingestor, products: byID, settings: settings}
}

// SaveResults implements scheduler.ResultSink.
func (s *jobSink) SaveResults(ctx context.Context, productID string, results []models.PriceScrapingResult) error {
	product, ok := s.products[productID]
	if !ok {
		return fmt.Errorf("product %s is not part of this job", productID)
	}
	return s.ingestor.Ingest(ctx, product, results, s.settings)
}
