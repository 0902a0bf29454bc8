package scraper

import (
	"context"
	"fmt"

	"pricewatch/logger"
	"pricewatch/models"
)

// HTMLAdapter fetches a search page over HTTP and extracts offers with the
// source's CSS selectors.
type HTMLAdapter struct {
	*BaseAdapter
	selectors selectorSet
}

// NewHTMLAdapter creates an uninitialized HTML adapter.
func NewHTMLAdapter(source models.PriceScrapingSource, opts Options) *HTMLAdapter {
	return &HTMLAdapter{
		BaseAdapter: newBaseAdapter(source, opts),
		selectors:   newSelectorSet(source.Config.Selectors),
	}
}

// Initialize validates the source config and prepares the HTTP client.
func (a *HTMLAdapter) Initialize(ctx context.Context) error {
	if err := a.selectors.validate(); err != nil {
		return fmt.Errorf("%s: %w", a.source.Name, err)
	}
	if err := a.initHTTP(); err != nil {
		return err
	}
	a.markReady()
	a.log.Info("HTML adapter initialized", logger.Duration("min_interval", a.source.MinInterval()))
	return nil
}

// Search looks the product up on the source.
func (a *HTMLAdapter) Search(ctx context.Context, product models.NormalizedProduct) ([]models.Observation, error) {
	return a.search(ctx, product, a.fetch)
}

func (a *HTMLAdapter) fetch(ctx context.Context, pageURL string) ([]rawOffer, error) {
	body, err := a.get(ctx, pageURL, "text/html,application/xhtml+xml")
	if err != nil {
		return nil, err
	}
	return extractOffers(body, a.selectors, a.detector)
}

// Shutdown releases idle connections. Safe to call more than once.
func (a *HTMLAdapter) Shutdown() error {
	a.markStopped()
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	return nil
}
