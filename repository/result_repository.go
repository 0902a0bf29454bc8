package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"pricewatch/models"
)

const resultColumns = `id, normalized_product_id, source_id, job_id, product_title, merchant, url,
	price, currency, price_incl_vat, shipping_cost, availability, confidence_score,
	is_lowest_price, scraped_at`

// ResultRepository stores price scraping results. Results are append-only.
type ResultRepository struct {
	db *sqlx.DB
}

// NewResultRepository creates a ResultRepository.
func NewResultRepository(db *sqlx.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// SaveResults inserts the results of one product pass in a single statement.
func (r *ResultRepository) SaveResults(ctx context.Context, results []models.PriceScrapingResult) error {
	if len(results) == 0 {
		return nil
	}
	query := `
		INSERT INTO price_scraping_results (` + resultColumns + `)
		VALUES (:id, :normalized_product_id, :source_id, :job_id, :product_title, :merchant, :url,
			:price, :currency, :price_incl_vat, :shipping_cost, :availability, :confidence_score,
			:is_lowest_price, :scraped_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, results); err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	return nil
}

// ListResults returns results matching filter, newest first.
func (r *ResultRepository) ListResults(ctx context.Context, filter models.ResultFilter) ([]models.PriceScrapingResult, error) {
	where, args := resultWhere(filter, "r.")
	query := `SELECT ` + prefixed(resultColumns, "r.") + ` FROM price_scraping_results r`
	if filter.SupplierID != "" {
		query += ` JOIN normalized_products p ON p.id = r.normalized_product_id`
	}
	query += where
	args = append(args, limitOrDefault(filter.Limit))
	query += fmt.Sprintf(" ORDER BY r.scraped_at DESC LIMIT $%d", len(args))

	results := []models.PriceScrapingResult{}
	if err := r.db.SelectContext(ctx, &results, query, args...); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return results, nil
}

// ListResultsWithProducts returns matching results joined with the
// wholesale price of their product, for analytics. filter.Limit is ignored.
func (r *ResultRepository) ListResultsWithProducts(ctx context.Context, filter models.ResultFilter) ([]models.ResultWithProduct, error) {
	where, args := resultWhere(filter, "r.")
	query := `SELECT ` + prefixed(resultColumns, "r.") + `, p.wholesale_price, p.supplier_id
		FROM price_scraping_results r
		JOIN normalized_products p ON p.id = r.normalized_product_id` + where + `
		ORDER BY r.scraped_at, r.id`

	rows := []models.ResultWithProduct{}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list results with products: %w", err)
	}
	return rows, nil
}

func resultWhere(filter models.ResultFilter, alias string) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.JobID != "" {
		add(alias+"job_id = $%d", filter.JobID)
	}
	if filter.SourceID != "" {
		add(alias+"source_id = $%d", filter.SourceID)
	}
	if filter.ProductID != "" {
		add(alias+"normalized_product_id = $%d", filter.ProductID)
	}
	if filter.SupplierID != "" {
		add("p.supplier_id = $%d", filter.SupplierID)
	}
	if filter.From != nil {
		add(alias+"scraped_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add(alias+"scraped_at < $%d", *filter.To)
	}
	if filter.MinConfidence > 0 {
		add(alias+"confidence_score >= $%d", filter.MinConfidence)
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func prefixed(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
