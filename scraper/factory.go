package scraper

import (
	"fmt"

	"pricewatch/models"
)

// Factory builds an uninitialized adapter for a source.
type Factory func(source models.PriceScrapingSource, opts Options) (Adapter, error)

// NewAdapter picks the adapter kind from the source config.
func NewAdapter(source models.PriceScrapingSource, opts Options) (Adapter, error) {
	switch kind := source.Config.Kind(); kind {
	case models.SourceTypeHTML:
		return NewHTMLAdapter(source, opts), nil
	case models.SourceTypeHeadless:
		return NewHeadlessAdapter(source, opts), nil
	case models.SourceTypeAPI:
		return NewAPIAdapter(source, opts), nil
	default:
		return nil, fmt.Errorf("%w: %s has unknown type %q", ErrInvalidConfig, source.Name, kind)
	}
}
