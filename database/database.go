// Package database opens the PostgreSQL connection and owns the schema.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrMissingURL is returned when no connection string is configured.
var ErrMissingURL = errors.New("DATABASE_URL is required")

const (
	pingTimeout     = 5 * time.Second
	maxOpenConns    = 20
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
)

// Connect opens and pings a PostgreSQL connection pool.
func Connect(ctx context.Context, url string) (*sqlx.DB, error) {
	if url == "" {
		return nil, ErrMissingURL
	}

	db, err := sqlx.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS normalized_products (
		id UUID PRIMARY KEY,
		supplier_id TEXT NOT NULL,
		brand TEXT NOT NULL,
		product_name TEXT NOT NULL,
		variant_size TEXT NOT NULL DEFAULT '',
		ean TEXT,
		category TEXT NOT NULL DEFAULT '',
		wholesale_price NUMERIC(12,2) NOT NULL CHECK (wholesale_price > 0),
		currency VARCHAR(3) NOT NULL,
		pack_size INTEGER NOT NULL DEFAULT 1,
		last_purchase_price NUMERIC(12,2),
		availability TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS price_scraping_sources (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		priority INTEGER NOT NULL DEFAULT 0,
		rate_limit INTEGER NOT NULL DEFAULT 0,
		config JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS price_scraping_jobs (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		status VARCHAR(16) NOT NULL CHECK (status IN ('PENDING','RUNNING','COMPLETED','FAILED','STOPPED')),
		supplier_id TEXT,
		total_products INTEGER NOT NULL DEFAULT 0,
		processed_products INTEGER NOT NULL DEFAULT 0,
		successful_products INTEGER NOT NULL DEFAULT 0,
		failed_products INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error_message TEXT,
		config JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (processed_products <= total_products),
		CHECK (successful_products + failed_products <= processed_products)
	)`,
	`CREATE TABLE IF NOT EXISTS price_scraping_results (
		id UUID PRIMARY KEY,
		normalized_product_id UUID NOT NULL REFERENCES normalized_products(id) ON DELETE CASCADE,
		source_id UUID NOT NULL REFERENCES price_scraping_sources(id),
		job_id UUID NOT NULL REFERENCES price_scraping_jobs(id) ON DELETE CASCADE,
		product_title TEXT NOT NULL DEFAULT '',
		merchant TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		price NUMERIC(12,2) NOT NULL,
		currency VARCHAR(3) NOT NULL,
		price_incl_vat NUMERIC(12,2),
		shipping_cost NUMERIC(12,2),
		availability TEXT NOT NULL DEFAULT '',
		confidence_score DOUBLE PRECISION NOT NULL CHECK (confidence_score BETWEEN 0 AND 1),
		is_lowest_price BOOLEAN NOT NULL DEFAULT FALSE,
		scraped_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scraping_alerts (
		id UUID PRIMARY KEY,
		normalized_product_id UUID NOT NULL REFERENCES normalized_products(id) ON DELETE CASCADE,
		result_id UUID REFERENCES price_scraping_results(id) ON DELETE SET NULL,
		alert_type VARCHAR(32) NOT NULL,
		message TEXT NOT NULL,
		current_margin NUMERIC(8,2) NOT NULL,
		target_margin NUMERIC(8,2) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_supplier ON normalized_products (supplier_id)`,
	`CREATE INDEX IF NOT EXISTS idx_products_ean ON normalized_products (ean) WHERE ean IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON price_scraping_jobs (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_results_job ON price_scraping_results (job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_results_product ON price_scraping_results (normalized_product_id, scraped_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_product ON scraping_alerts (normalized_product_id, created_at DESC)`,
}

// CreateTables creates the schema if it does not exist.
func CreateTables(ctx context.Context, db *sqlx.DB) error {
	for _, query := range schema {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
