package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"pricewatch/models"
)

const productColumns = `id, supplier_id, brand, product_name, variant_size, ean, category,
	wholesale_price, currency, pack_size, last_purchase_price, availability, notes,
	created_at, updated_at`

// ProductRepository stores normalized products.
type ProductRepository struct {
	db *sqlx.DB
}

// NewProductRepository creates a ProductRepository.
func NewProductRepository(db *sqlx.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetProduct returns one product.
func (r *ProductRepository) GetProduct(ctx context.Context, id string) (*models.NormalizedProduct, error) {
	var p models.NormalizedProduct
	query := `SELECT ` + productColumns + ` FROM normalized_products WHERE id = $1`
	if err := r.db.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// ListBySupplier returns every product of a supplier.
func (r *ProductRepository) ListBySupplier(ctx context.Context, supplierID string) ([]models.NormalizedProduct, error) {
	products := []models.NormalizedProduct{}
	query := `SELECT ` + productColumns + ` FROM normalized_products
		WHERE supplier_id = $1 ORDER BY brand, product_name, id`
	if err := r.db.SelectContext(ctx, &products, query, supplierID); err != nil {
		return nil, fmt.Errorf("list supplier products: %w", err)
	}
	return products, nil
}

// ListByIDs returns the products with the given ids. Unknown ids are skipped.
func (r *ProductRepository) ListByIDs(ctx context.Context, ids []string) ([]models.NormalizedProduct, error) {
	products := []models.NormalizedProduct{}
	if len(ids) == 0 {
		return products, nil
	}
	query := `SELECT ` + productColumns + ` FROM normalized_products
		WHERE id = ANY($1) ORDER BY brand, product_name, id`
	if err := r.db.SelectContext(ctx, &products, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// MedianPrices returns the median wholesale price per lowercased category,
// over categories with at least minRows products.
func (r *ProductRepository) MedianPrices(ctx context.Context, minRows int) (map[string]decimal.Decimal, error) {
	rows := []struct {
		Category string          `db:"category"`
		Median   decimal.Decimal `db:"median"`
	}{}
	query := `
		SELECT LOWER(category) AS category,
			PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY wholesale_price)::TEXT AS median
		FROM normalized_products
		WHERE category <> ''
		GROUP BY LOWER(category)
		HAVING COUNT(*) >= $1
	`
	if err := r.db.SelectContext(ctx, &rows, query, minRows); err != nil {
		return nil, fmt.Errorf("category medians: %w", err)
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		out[row.Category] = row.Median
	}
	return out, nil
}

// InsertProducts inserts products in one transaction.
func (r *ProductRepository) InsertProducts(ctx context.Context, products []models.NormalizedProduct) error {
	if len(products) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert products: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO normalized_products (` + productColumns + `)
		VALUES (:id, :supplier_id, :brand, :product_name, :variant_size, :ean, :category,
			:wholesale_price, :currency, :pack_size, :last_purchase_price, :availability, :notes,
			:created_at, :updated_at)
	`
	for i := range products {
		if _, err := tx.NamedExecContext(ctx, query, &products[i]); err != nil {
			return fmt.Errorf("insert product row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert products: %w", err)
	}
	return nil
}
