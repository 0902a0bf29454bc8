package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"pricewatch/models"
)

const alertColumns = `id, normalized_product_id, result_id, alert_type, message,
	current_margin, target_margin, created_at`

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	ProductID string
	Since     *time.Time
	Limit     int
}

// AlertRepository stores scraping alerts.
type AlertRepository struct {
	db *sqlx.DB
}

func NewAlertRepository(db *sqlx.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// CreateAlert inserts one alert.
func (r *AlertRepository) CreateAlert(ctx context.Context, alert *models.ScrapingAlert) error {
	query := `
		INSERT INTO scraping_alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		alert.ID, alert.NormalizedProductID, alert.ResultID, alert.AlertType, alert.Message,
		alert.CurrentMargin, alert.TargetMargin, alert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}
	return nil
}

// ListAlerts returns alerts, newest first.
func (r *AlertRepository) ListAlerts(ctx context.Context, filter AlertFilter) ([]models.ScrapingAlert, error) {
	query := `SELECT ` + alertColumns + ` FROM scraping_alerts WHERE 1 = 1`
	var args []interface{}
	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		query += fmt.Sprintf(" AND normalized_product_id = $%d", len(args))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	args = append(args, limitOrDefault(filter.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	alerts := []models.ScrapingAlert{}
	if err := r.db.SelectContext(ctx, &alerts, query, args...); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return alerts, nil
}
