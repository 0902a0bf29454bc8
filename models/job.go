package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a scraping job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusStopped   JobStatus = "STOPPED"
)

// ErrInvalidTransition is returned when a job is moved against its state machine.
var ErrInvalidTransition = errors.New("invalid job status transition")

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusStopped
}

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusStopped:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
// PENDING -> RUNNING -> {COMPLETED, FAILED, STOPPED}; PENDING may also fail or be stopped.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusRunning || next == JobStatusFailed || next == JobStatusStopped
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusStopped
	default:
		return false
	}
}

// Job config defaults.
const (
	DefaultBatchSize           = 10
	DefaultDelayBetweenBatches = 5000 // ms
	DefaultMaxRetries          = 2
	DefaultConfidenceThreshold = 0.6
	DefaultMarginThreshold     = 20.0 // percent
	DefaultAdapterTimeout      = 60000 // ms
)

// JobConfig is the persisted, free-form job configuration document. Every
// field is optional; Settings resolves defaults.
type JobConfig struct {
	Sources             []string `json:"sources,omitempty" mapstructure:"sources"`
	BatchSize           *int     `json:"batchSize,omitempty" mapstructure:"batchSize"`
	DelayBetweenBatches *int     `json:"delayBetweenBatches,omitempty" mapstructure:"delayBetweenBatches"`
	MaxRetries          *int     `json:"maxRetries,omitempty" mapstructure:"maxRetries"`
	ConfidenceThreshold *float64 `json:"confidenceThreshold,omitempty" mapstructure:"confidenceThreshold"`
	MarginThreshold     *float64 `json:"marginThreshold,omitempty" mapstructure:"marginThreshold"`
	AdapterTimeoutMs    *int     `json:"adapterTimeoutMs,omitempty" mapstructure:"adapterTimeoutMs"`
	MaxConcurrency      *int     `json:"maxConcurrency,omitempty" mapstructure:"maxConcurrency"`

	Extra map[string]interface{} `json:"-" mapstructure:",remain"`
}

// JobSettings is a JobConfig with every default applied.
type JobSettings struct {
	Sources             []string
	BatchSize           int
	DelayBetweenBatches time.Duration
	MaxRetries          int
	ConfidenceThreshold float64
	MarginThreshold     float64
	AdapterTimeout      time.Duration
	MaxConcurrency      int
}

// ParseJobConfig decodes a free-form document into a JobConfig.
func ParseJobConfig(doc map[string]interface{}) (JobConfig, error) {
	var cfg JobConfig
	if err := decodeDocument(doc, &cfg); err != nil {
		return JobConfig{}, err
	}
	return cfg, nil
}

// Settings resolves the config against defaults and clamps nonsense values.
func (c JobConfig) Settings() JobSettings {
	s := JobSettings{
		Sources:             c.Sources,
		BatchSize:           DefaultBatchSize,
		DelayBetweenBatches: DefaultDelayBetweenBatches * time.Millisecond,
		MaxRetries:          DefaultMaxRetries,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		MarginThreshold:     DefaultMarginThreshold,
		AdapterTimeout:      DefaultAdapterTimeout * time.Millisecond,
	}
	if c.BatchSize != nil && *c.BatchSize > 0 {
		s.BatchSize = *c.BatchSize
	}
	if c.DelayBetweenBatches != nil && *c.DelayBetweenBatches >= 0 {
		s.DelayBetweenBatches = time.Duration(*c.DelayBetweenBatches) * time.Millisecond
	}
	if c.MaxRetries != nil && *c.MaxRetries >= 0 {
		s.MaxRetries = *c.MaxRetries
	}
	if c.ConfidenceThreshold != nil && *c.ConfidenceThreshold >= 0 && *c.ConfidenceThreshold <= 1 {
		s.ConfidenceThreshold = *c.ConfidenceThreshold
	}
	if c.MarginThreshold != nil && *c.MarginThreshold > 0 {
		s.MarginThreshold = *c.MarginThreshold
	}
	if c.AdapterTimeoutMs != nil && *c.AdapterTimeoutMs > 0 {
		s.AdapterTimeout = time.Duration(*c.AdapterTimeoutMs) * time.Millisecond
	}
	if c.MaxConcurrency != nil && *c.MaxConcurrency > 0 {
		s.MaxConcurrency = *c.MaxConcurrency
	}
	return s
}

// Merge returns c with every field set in override applied on top.
func (c JobConfig) Merge(override JobConfig) JobConfig {
	out := c
	if override.Sources != nil {
		out.Sources = override.Sources
	}
	if override.BatchSize != nil {
		out.BatchSize = override.BatchSize
	}
	if override.DelayBetweenBatches != nil {
		out.DelayBetweenBatches = override.DelayBetweenBatches
	}
	if override.MaxRetries != nil {
		out.MaxRetries = override.MaxRetries
	}
	if override.ConfidenceThreshold != nil {
		out.ConfidenceThreshold = override.ConfidenceThreshold
	}
	if override.MarginThreshold != nil {
		out.MarginThreshold = override.MarginThreshold
	}
	if override.AdapterTimeoutMs != nil {
		out.AdapterTimeoutMs = override.AdapterTimeoutMs
	}
	if override.MaxConcurrency != nil {
		out.MaxConcurrency = override.MaxConcurrency
	}
	if len(override.Extra) > 0 {
		extra := make(map[string]interface{}, len(c.Extra)+len(override.Extra))
		for k, v := range c.Extra {
			extra[k] = v
		}
		for k, v := range override.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}

// MarshalJSON keeps unknown keys alongside the recognized ones.
func (c JobConfig) MarshalJSON() ([]byte, error) {
	type plain JobConfig
	return encodeDocument(plain(c), c.Extra)
}

// UnmarshalJSON decodes through mapstructure so unknown keys are preserved.
func (c *JobConfig) UnmarshalJSON(data []byte) error {
	var cfg JobConfig
	if err := unmarshalDocument(data, &cfg); err != nil {
		return err
	}
	*c = cfg
	return nil
}

// Value stores the config as JSONB.
func (c JobConfig) Value() (driver.Value, error) { return jsonValue(c) }

// Scan reads the config from a JSONB column.
func (c *JobConfig) Scan(src interface{}) error { return scanJSON(src, c) }

// PriceScrapingJob is one scraping run over a product list.
type PriceScrapingJob struct {
	ID                 string     `json:"id" db:"id"`
	Name               string     `json:"name" db:"name"`
	Status             JobStatus  `json:"status" db:"status"`
	SupplierID         *string    `json:"supplierId,omitempty" db:"supplier_id"`
	TotalProducts      int        `json:"totalProducts" db:"total_products"`
	ProcessedProducts  int        `json:"processedProducts" db:"processed_products"`
	SuccessfulProducts int        `json:"successfulProducts" db:"successful_products"`
	FailedProducts     int        `json:"failedProducts" db:"failed_products"`
	StartedAt          *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt        *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	ErrorMessage       *string    `json:"errorMessage,omitempty" db:"error_message"`
	Config             JobConfig  `json:"config" db:"config"`
	CreatedAt          time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time  `json:"updatedAt" db:"updated_at"`
}

// Transition moves the job to next, enforcing the state machine.
func (j *PriceScrapingJob) Transition(next JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	if next == JobStatusRunning {
		j.StartedAt = &now
	}
	if next.IsTerminal() {
		j.CompletedAt = &now
	}
	return nil
}

// Fail moves the job to FAILED and records msg.
func (j *PriceScrapingJob) Fail(msg string, now time.Time) error {
	if err := j.Transition(JobStatusFailed, now); err != nil {
		return err
	}
	j.ErrorMessage = &msg
	return nil
}

// RecordProduct counts one processed product.
func (j *PriceScrapingJob) RecordProduct(success bool) {
	if j.ProcessedProducts >= j.TotalProducts {
		return
	}
	j.ProcessedProducts++
	if success {
		j.SuccessfulProducts++
	} else {
		j.FailedProducts++
	}
}

// Progress returns completion as a percentage.
func (j *PriceScrapingJob) Progress() int {
	if j.TotalProducts == 0 {
		return 0
	}
	return j.ProcessedProducts * 100 / j.TotalProducts
}

// Duration returns how long the job ran, or has been running.
func (j *PriceScrapingJob) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}
