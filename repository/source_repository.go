package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"pricewatch/models"
)

const sourceColumns = `id, name, is_active, priority, rate_limit, config, created_at, updated_at`

// SourceRepository stores price scraping sources.
type SourceRepository struct {
	db *sqlx.DB
}

// NewSourceRepository creates a SourceRepository.
func NewSourceRepository(db *sqlx.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

// ListActive returns active sources by priority, highest first.
func (r *SourceRepository) ListActive(ctx context.Context) ([]models.PriceScrapingSource, error) {
	sources := []models.PriceScrapingSource{}
	query := `SELECT ` + sourceColumns + ` FROM price_scraping_sources
		WHERE is_active = TRUE ORDER BY priority DESC, name`
	if err := r.db.SelectContext(ctx, &sources, query); err != nil {
		return nil, fmt.Errorf("list active sources: %w", err)
	}
	return sources, nil
}

// ListAll returns every source.
func (r *SourceRepository) ListAll(ctx context.Context) ([]models.PriceScrapingSource, error) {
	sources := []models.PriceScrapingSource{}
	query := `SELECT ` + sourceColumns + ` FROM price_scraping_sources ORDER BY priority DESC, name`
	if err := r.db.SelectContext(ctx, &sources, query); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}

// Update upserts every source in one transaction, so readers never see a
// partially applied configuration change.
func (r *SourceRepository) Update(ctx context.Context, sources []models.PriceScrapingSource) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update sources: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO price_scraping_sources (` + sourceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			priority = EXCLUDED.priority,
			rate_limit = EXCLUDED.rate_limit,
			config = EXCLUDED.config,
			updated_at = NOW()
	`
	for _, s := range sources {
		if _, err := tx.ExecContext(ctx, query, s.ID, s.Name, s.IsActive, s.Priority, s.RateLimit, s.Config); err != nil {
			return fmt.Errorf("update source %s: %w", s.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update sources: %w", err)
	}
	return nil
}
