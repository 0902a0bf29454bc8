package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pricewatch/logger"
	"pricewatch/models"
	"pricewatch/scraper"
)

var ErrInvalidSource = errors.New("invalid source")

// SourceStore reads and atomically replaces source configuration.
type SourceStore interface {
	ListActive(ctx context.Context) ([]models.PriceScrapingSource, error)
	ListAll(ctx context.Context) ([]models.PriceScrapingSource, error)
	Update(ctx context.Context, sources []models.PriceScrapingSource) error
}

// SourceRegistry validates source configuration before it is stored.
type SourceRegistry struct {
	store SourceStore
	log   logger.Logger
}

// NewSourceRegistry creates a SourceRegistry.
func NewSourceRegistry(store SourceStore, log logger.Logger) *SourceRegistry {
	if log == nil {
		log = logger.NewNop()
	}
	return &SourceRegistry{store: store, log: log}
}

// ListActive returns the active sources, highest priority first.
func (r *SourceRegistry) ListActive(ctx context.Context) ([]models.PriceScrapingSource, error) {
	return r.store.ListActive(ctx)
}

// ListAll returns every source.
func (r *SourceRegistry) ListAll(ctx context.Context) ([]models.PriceScrapingSource, error) {
	return r.store.ListAll(ctx)
}

// Update validates every source and stores them as one batch. Nothing is
// written when any source is invalid. Sources without an id get one.
func (r *SourceRegistry) Update(ctx context.Context, sources []models.PriceScrapingSource) ([]models.PriceScrapingSource, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: no sources given", ErrInvalidSource)
	}
	out := make([]models.PriceScrapingSource, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for i, src := range sources {
		if err := validateSource(src); err != nil {
			return nil, err
		}
		if src.ID == "" {
			src.ID = uuid.NewString()
		}
		if _, dup := seen[src.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidSource, src.ID)
		}
		seen[src.ID] = struct{}{}
		out[i] = src
	}

	if err := r.store.Update(ctx, out); err != nil {
		return nil, err
	}
	r.log.Info("Sources updated", logger.Int("count", len(out)))
	return out, nil
}

func validateSource(src models.PriceScrapingSource) error {
	if strings.TrimSpace(src.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSource)
	}
	if src.RateLimit < 0 {
		return fmt.Errorf("%w: %s: rateLimit must not be negative", ErrInvalidSource, src.Name)
	}
	if err := scraper.ValidateConfig(src); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	return nil
}
