// Package repository persists jobs, results, alerts, sources and products
// in PostgreSQL.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"pricewatch/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrJobFinalized is returned when an update would leave a terminal state.
	ErrJobFinalized = errors.New("job not found or already finished")
)

const jobColumns = `id, name, status, supplier_id, total_products, processed_products,
	successful_products, failed_products, started_at, completed_at, error_message,
	config, created_at, updated_at`

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	Status     models.JobStatus
	SupplierID string
	Limit      int
	Offset     int
}

const defaultListLimit = 100

// JobRepository stores price scraping jobs.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a JobRepository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob inserts a new job.
func (r *JobRepository) CreateJob(ctx context.Context, job *models.PriceScrapingJob) error {
	query := `
		INSERT INTO price_scraping_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.Name, job.Status, job.SupplierID, job.TotalProducts, job.ProcessedProducts,
		job.SuccessfulProducts, job.FailedProducts, job.StartedAt, job.CompletedAt, job.ErrorMessage,
		job.Config, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// UpdateJob writes status, counters and timestamps. A job in a terminal
// state is never modified, except that a STOPPED job may receive its final
// STOPPED snapshot.
func (r *JobRepository) UpdateJob(ctx context.Context, job *models.PriceScrapingJob) error {
	query := `
		UPDATE price_scraping_jobs
		SET status = $2,
			total_products = $3,
			processed_products = $4,
			successful_products = $5,
			failed_products = $6,
			started_at = $7,
			completed_at = $8,
			error_message = $9,
			updated_at = NOW()
		WHERE id = $1
		  AND (status NOT IN ('COMPLETED', 'FAILED', 'STOPPED')
		       OR (status = 'STOPPED' AND $2 = 'STOPPED'))
	`
	res, err := r.db.ExecContext(ctx, query,
		job.ID, job.Status, job.TotalProducts, job.ProcessedProducts, job.SuccessfulProducts,
		job.FailedProducts, job.StartedAt, job.CompletedAt, job.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return ErrJobFinalized
	}
	return nil
}

// GetJob returns one job.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.PriceScrapingJob, error) {
	var job models.PriceScrapingJob
	query := `SELECT ` + jobColumns + ` FROM price_scraping_jobs WHERE id = $1`
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// JobStatus returns the persisted status of a job.
func (r *JobRepository) JobStatus(ctx context.Context, id string) (models.JobStatus, error) {
	var status models.JobStatus
	err := r.db.GetContext(ctx, &status, `SELECT status FROM price_scraping_jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get job status: %w", err)
	}
	return status, nil
}

// ListJobs returns jobs, newest first.
func (r *JobRepository) ListJobs(ctx context.Context, filter JobFilter) ([]models.PriceScrapingJob, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.SupplierID != "" {
		args = append(args, filter.SupplierID)
		where = append(where, fmt.Sprintf("supplier_id = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM price_scraping_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	jobs := []models.PriceScrapingJob{}
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// FindStaleRunningJobs returns RUNNING jobs last updated before the cutoff.
func (r *JobRepository) FindStaleRunningJobs(ctx context.Context, updatedBefore time.Time) ([]models.PriceScrapingJob, error) {
	query := `SELECT ` + jobColumns + ` FROM price_scraping_jobs
		WHERE status = 'RUNNING' AND updated_at < $1
		ORDER BY updated_at`
	jobs := []models.PriceScrapingJob{}
	if err := r.db.SelectContext(ctx, &jobs, query, updatedBefore); err != nil {
		return nil, fmt.Errorf("find stale jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes a job together with its results.
func (r *JobRepository) DeleteJob(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM price_scraping_results WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("delete job results: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM price_scraping_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("delete job: %w", err)
	} else if n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
