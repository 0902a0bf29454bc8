// Package scheduler drives scraping jobs: the per-job scraping manager, the
// background job runner, the stale job reaper and the cron scan scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"pricewatch/logger"
	"pricewatch/metrics"
	"pricewatch/models"
	"pricewatch/scraper"
)

var (
	// ErrNoScrapers means no source adapter could be initialized.
	ErrNoScrapers = errors.New("no scrapers available")
	// ErrAllScrapersFailed means every adapter became unavailable mid-run.
	ErrAllScrapersFailed = errors.New("all scrapers failed")
	// ErrResultSinkFailing means results could not be saved repeatedly.
	ErrResultSinkFailing = errors.New("result sink failing")
)

const (
	maxConsecutiveSaveFailures = 3
	finalUpdateTimeout         = 10 * time.Second
)

// JobUpdater persists job state. It is the only write path for jobs.
type JobUpdater interface {
	UpdateJob(ctx context.Context, job *models.PriceScrapingJob) error
}

// ResultSink persists the ranked results of one product pass.
type ResultSink interface {
	SaveResults(ctx context.Context, productID string, results []models.PriceScrapingResult) error
}

// StopSignal reports whether a stop was requested for a job.
type StopSignal interface {
	StopRequested(ctx context.Context, jobID string) bool
}

// RateSource resolves the exchange rate from one currency to another.
type RateSource interface {
	Rate(ctx context.Context, from, to string, on time.Time) (decimal.Decimal, error)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures a ScrapingManager.
type Option func(*ScrapingManager)

// WithAdapterFactory replaces the adapter constructor.
func WithAdapterFactory(f scraper.Factory) Option {
	return func(m *ScrapingManager) { m.factory = f }
}

// WithAdapterOptions sets the options passed to every adapter.
func WithAdapterOptions(opts scraper.Options) Option {
	return func(m *ScrapingManager) { m.adapterOpts = opts }
}

// WithSleeper replaces the inter-batch wait.
func WithSleeper(s Sleeper) Option {
	return func(m *ScrapingManager) { m.sleep = s }
}

// WithRates enables currency conversion of observations.
func WithRates(r RateSource) Option {
	return func(m *ScrapingManager) { m.rates = r }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *ScrapingManager) { m.metrics = mt }
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(m *ScrapingManager) { m.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *ScrapingManager) { m.now = now }
}

type managedAdapter struct {
	adapter scraper.Adapter
	dead    atomic.Bool
}

// ScrapingManager runs one job: N adapters over M products in sequential
// batches with concurrent fan-out inside each batch.
type ScrapingManager struct {
	jobs  JobUpdater
	sink  ResultSink
	stop  StopSignal
	rates RateSource

	factory     scraper.Factory
	adapterOpts scraper.Options
	sleep       Sleeper
	metrics     *metrics.Metrics
	log         logger.Logger
	now         func() time.Time
	newID       func() string

	mu       sync.Mutex
	adapters []*managedAdapter
	cleaned  bool
}

// NewScrapingManager creates a manager. stop may be nil.
func NewScrapingManager(jobs JobUpdater, sink ResultSink, stop StopSignal, opts ...Option) *ScrapingManager {
	m := &ScrapingManager{
		jobs:    jobs,
		sink:    sink,
		stop:    stop,
		factory: scraper.NewAdapter,
		sleep:   sleepContext,
		log:     logger.NewNop(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.adapterOpts.Logger == nil {
		m.adapterOpts.Logger = m.log
	}
	if m.adapterOpts.OnFailure == nil && m.metrics != nil {
		m.adapterOpts.OnFailure = m.metrics.AdapterFailure
	}
	return m
}

// InitializeScrapers builds and initializes one adapter per active source,
// concurrently. Sources that fail are shut down and skipped. It returns
// ErrNoScrapers when none succeed.
func (m *ScrapingManager) InitializeScrapers(ctx context.Context, sources []models.PriceScrapingSource) error {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		ready  []*managedAdapter
		failed []string
	)

	for _, source := range sources {
		if !source.IsActive {
			continue
		}
		g.Go(func() error {
			adapter, err := m.initAdapter(ctx, source)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.log.Warn("Source excluded from run",
					logger.String("source", source.Name),
					logger.Error(err),
				)
				failed = append(failed, source.Name)
				return nil
			}
			ready = append(ready, &managedAdapter{adapter: adapter})
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	m.adapters = append(m.adapters, ready...)
	m.cleaned = false
	m.mu.Unlock()

	if len(ready) == 0 {
		if len(failed) == 0 {
			return fmt.Errorf("%w: no active sources", ErrNoScrapers)
		}
		return fmt.Errorf("%w: %s failed to initialize", ErrNoScrapers, strings.Join(failed, ", "))
	}
	m.log.Info("Scrapers initialized",
		logger.Int("ready", len(ready)),
		logger.Strings("failed", failed),
	)
	return nil
}

func (m *ScrapingManager) initAdapter(ctx context.Context, source models.PriceScrapingSource) (adapter scraper.Adapter, err error) {
	adapter, err = m.factory(source, m.adapterOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize panicked: %v", r)
		}
		if err != nil {
			if shutdownErr := adapter.Shutdown(); shutdownErr != nil {
				m.log.Debug("Shutdown after failed init", logger.Error(shutdownErr))
			}
			adapter = nil
		}
	}()
	err = adapter.Initialize(ctx)
	return adapter, err
}

// Abort fails a job that never reached RUNNING and persists it.
func (m *ScrapingManager) Abort(ctx context.Context, job *models.PriceScrapingJob, cause error) error {
	if err := job.Fail(cause.Error(), m.now()); err != nil {
		return err
	}
	m.metrics.JobFinished(string(job.Status), 0, false)
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalUpdateTimeout)
	defer cancel()
	if err := m.jobs.UpdateJob(updateCtx, job); err != nil {
		return fmt.Errorf("persist failed job: %w", err)
	}
	return nil
}

// StartScrapingJob runs job over products to a terminal state. It returns
// nil for COMPLETED and STOPPED jobs and the failure cause for FAILED ones.
func (m *ScrapingManager) StartScrapingJob(ctx context.Context, job *models.PriceScrapingJob, products []models.NormalizedProduct) error {
	log := m.log.With(logger.String("job_id", job.ID))

	if len(m.liveAdapters()) == 0 {
		if err := m.Abort(ctx, job, ErrNoScrapers); err != nil {
			log.Error("Failed to persist aborted job", logger.Error(err))
		}
		return ErrNoScrapers
	}

	settings := job.Config.Settings()
	job.TotalProducts = len(products)
	if err := job.Transition(models.JobStatusRunning, m.now()); err != nil {
		return err
	}
	if err := m.jobs.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	m.metrics.JobStarted()
	log.Info("Scraping job started",
		logger.Int("products", len(products)),
		logger.Int("batch_size", settings.BatchSize),
		logger.Int("adapters", len(m.liveAdapters())),
	)

	stopped, runErr := m.runBatches(ctx, job, products, settings, log)
	return m.finish(ctx, job, stopped, runErr, log)
}

func (m *ScrapingManager) runBatches(
	ctx context.Context,
	job *models.PriceScrapingJob,
	products []models.NormalizedProduct,
	settings models.JobSettings,
	log logger.Logger,
) (stopped bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch loop panicked: %v", r)
		}
	}()

	saveFailures := 0
	batches := partition(products, settings.BatchSize)
	for i, batch := range batches {
		if i > 0 {
			if m.stopRequested(ctx, job.ID) {
				return true, nil
			}
			if err := m.sleep(ctx, settings.DelayBetweenBatches); err != nil {
				return false, fmt.Errorf("interrupted between batches: %w", err)
			}
		}
		if m.stopRequested(ctx, job.ID) {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("interrupted: %w", err)
		}

		collected := m.runBatch(ctx, batch, settings, log)

		for idx, product := range batch {
			saved, saveErr := m.processProduct(ctx, job.ID, product, collected[idx], settings, log)
			job.RecordProduct(saved)
			if saveErr == nil {
				saveFailures = 0
				continue
			}
			saveFailures++
			log.Error("Failed to save results",
				logger.String("product_id", product.ID),
				logger.Int("consecutive_failures", saveFailures),
				logger.Error(saveErr),
			)
			if saveFailures >= maxConsecutiveSaveFailures {
				return false, fmt.Errorf("%w: %w", ErrResultSinkFailing, saveErr)
			}
		}

		if err := m.jobs.UpdateJob(ctx, job); err != nil {
			log.Warn("Failed to push job progress", logger.Error(err))
		}
		log.Debug("Batch finished",
			logger.Int("batch", i+1),
			logger.Int("batches", len(batches)),
			logger.Int("progress", job.Progress()),
		)

		if len(m.liveAdapters()) == 0 {
			return false, ErrAllScrapersFailed
		}
	}
	return false, nil
}

// runBatch fans every live adapter out over every product of the batch and
// waits for all calls to settle. The result is indexed like batch.
func (m *ScrapingManager) runBatch(
	ctx context.Context,
	batch []models.NormalizedProduct,
	settings models.JobSettings,
	log logger.Logger,
) [][]models.Observation {
	collected := make([][]models.Observation, len(batch))
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	if settings.MaxConcurrency > 0 {
		g.SetLimit(settings.MaxConcurrency)
	}

	for _, ma := range m.liveAdapters() {
		timeout := callTimeout(settings.AdapterTimeout, ma.adapter.Source(), len(batch), settings.MaxRetries)
		for idx, product := range batch {
			g.Go(func() error {
				obs := m.search(ctx, ma, product, timeout, log)
				if len(obs) == 0 {
					return nil
				}
				mu.Lock()
				collected[idx] = append(collected[idx], obs...)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	return collected
}

// callTimeout extends the per-call safety timeout by the longest time a call
// can wait on its source's throttle. Every call of the batch to the same
// source shares one limiter, and each region and retry takes another slot.
func callTimeout(timeout time.Duration, source models.PriceScrapingSource, batchLen, maxRetries int) time.Duration {
	interval := source.MinInterval()
	if interval <= 0 {
		return timeout
	}
	regions := len(source.Config.RegionPriority)
	if regions < 1 {
		regions = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	slots := batchLen*regions*(maxRetries+1) - 1
	if slots <= 0 {
		return timeout
	}
	return timeout + time.Duration(slots)*interval
}

type searchOutcome struct {
	observations []models.Observation
	err          error
}

// search calls one adapter under a safety timeout. A stuck adapter is
// abandoned and counts as an empty result.
func (m *ScrapingManager) search(
	ctx context.Context,
	ma *managedAdapter,
	product models.NormalizedProduct,
	timeout time.Duration,
	log logger.Logger,
) []models.Observation {
	if ma.dead.Load() {
		return nil
	}
	source := ma.adapter.Source().Name

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan searchOutcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- searchOutcome{err: fmt.Errorf("%w: search panicked: %v", scraper.ErrAdapterUnavailable, r)}
			}
		}()
		obs, err := ma.adapter.Search(callCtx, product)
		done <- searchOutcome{observations: obs, err: err}
	}()

	select {
	case out := <-done:
		switch {
		case errors.Is(out.err, scraper.ErrAdapterUnavailable):
			if !ma.dead.Swap(true) {
				log.Error("Adapter unavailable, excluded from remaining batches",
					logger.String("source", source),
					logger.Error(out.err),
				)
			}
			m.metrics.AdapterCall(source, "unavailable", time.Since(start))
			return nil
		case out.err != nil:
			log.Warn("Adapter search failed",
				logger.String("source", source),
				logger.String("product_id", product.ID),
				logger.Error(out.err),
			)
			m.metrics.AdapterCall(source, "error", time.Since(start))
			return nil
		case len(out.observations) == 0:
			m.metrics.AdapterCall(source, "empty", time.Since(start))
			return nil
		default:
			m.metrics.AdapterCall(source, "ok", time.Since(start))
			return out.observations
		}
	case <-callCtx.Done():
		log.Warn("Adapter call abandoned",
			logger.String("source", source),
			logger.String("product_id", product.ID),
			logger.Duration("timeout", timeout),
		)
		m.metrics.AdapterCall(source, "timeout", time.Since(start))
		return nil
	}
}

// processProduct ranks and saves one product's observations. saved is false
// when nothing usable was found or saving failed; err is the save error.
func (m *ScrapingManager) processProduct(
	ctx context.Context,
	jobID string,
	product models.NormalizedProduct,
	observations []models.Observation,
	settings models.JobSettings,
	log logger.Logger,
) (saved bool, err error) {
	observations = m.convert(ctx, product, observations, log)
	if len(observations) == 0 {
		return false, nil
	}

	ranked := Rank(observations, settings.ConfidenceThreshold)
	results := m.toResults(jobID, product.ID, ranked)
	if err := m.sink.SaveResults(ctx, product.ID, results); err != nil {
		return false, err
	}
	return true, nil
}

// convert expresses every observation in the product's currency. An
// observation whose rate cannot be resolved is dropped.
func (m *ScrapingManager) convert(
	ctx context.Context,
	product models.NormalizedProduct,
	observations []models.Observation,
	log logger.Logger,
) []models.Observation {
	target := strings.ToUpper(product.Currency)
	out := make([]models.Observation, 0, len(observations))
	for _, o := range observations {
		from := strings.ToUpper(o.Currency)
		if target == "" || from == "" || from == target {
			if o.Currency == "" {
				o.Currency = target
			}
			out = append(out, o)
			continue
		}
		if m.rates == nil {
			log.Debug("Observation dropped, no rate source",
				logger.String("from", from),
				logger.String("to", target),
			)
			continue
		}
		rate, err := m.rates.Rate(ctx, from, target, o.ScrapedAt)
		if err != nil {
			log.Warn("Observation dropped, no exchange rate",
				logger.String("source", o.SourceName),
				logger.String("from", from),
				logger.String("to", target),
				logger.Error(err),
			)
			continue
		}
		o.Price = o.Price.Mul(rate).Round(2)
		if o.PriceInclVat.Valid {
			o.PriceInclVat = decimal.NewNullDecimal(o.PriceInclVat.Decimal.Mul(rate).Round(2))
		}
		if o.ShippingCost.Valid {
			o.ShippingCost = decimal.NewNullDecimal(o.ShippingCost.Decimal.Mul(rate).Round(2))
		}
		o.Currency = target
		out = append(out, o)
	}
	return out
}

// toResults maps ranked observations to results; the first one is flagged
// as the lowest price of the pass.
func (m *ScrapingManager) toResults(jobID, productID string, ranked []models.Observation) []models.PriceScrapingResult {
	now := m.now()
	results := make([]models.PriceScrapingResult, 0, len(ranked))
	for i, o := range ranked {
		scrapedAt := o.ScrapedAt
		if scrapedAt.IsZero() {
			scrapedAt = now
		}
		results = append(results, models.PriceScrapingResult{
			ID:                  m.newID(),
			NormalizedProductID: productID,
			SourceID:            o.SourceID,
			JobID:               jobID,
			ProductTitle:        o.Title,
			Merchant:            o.Merchant,
			URL:                 o.URL,
			Price:               o.Price,
			Currency:            o.Currency,
			PriceInclVat:        o.PriceInclVat,
			ShippingCost:        o.ShippingCost,
			Availability:        o.Availability,
			ConfidenceScore:     o.Confidence,
			IsLowestPrice:       i == 0,
			ScrapedAt:           scrapedAt,
		})
	}
	return results
}

func (m *ScrapingManager) finish(
	ctx context.Context,
	job *models.PriceScrapingJob,
	stopped bool,
	runErr error,
	log logger.Logger,
) error {
	now := m.now()
	var transitionErr error
	switch {
	case runErr != nil:
		transitionErr = job.Fail(runErr.Error(), now)
	case stopped:
		transitionErr = job.Transition(models.JobStatusStopped, now)
	default:
		transitionErr = job.Transition(models.JobStatusCompleted, now)
	}
	if transitionErr != nil {
		log.Error("Invalid final job transition", logger.Error(transitionErr))
	}

	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalUpdateTimeout)
	defer cancel()
	if err := m.jobs.UpdateJob(updateCtx, job); err != nil {
		log.Error("Failed to persist final job state", logger.Error(err))
	}

	m.metrics.JobFinished(string(job.Status), job.Duration(), true)
	fields := []logger.Field{
		logger.String("status", string(job.Status)),
		logger.Int("processed", job.ProcessedProducts),
		logger.Int("successful", job.SuccessfulProducts),
		logger.Int("failed", job.FailedProducts),
		logger.Any("adapter_failures", m.failureCounts()),
	}
	if runErr != nil {
		log.Error("Scraping job failed", append(fields, logger.Error(runErr))...)
		return runErr
	}
	log.Info("Scraping job finished", fields...)
	return nil
}

func (m *ScrapingManager) stopRequested(ctx context.Context, jobID string) bool {
	if m.stop == nil {
		return false
	}
	return m.stop.StopRequested(ctx, jobID)
}

func (m *ScrapingManager) liveAdapters() []*managedAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make([]*managedAdapter, 0, len(m.adapters))
	for _, ma := range m.adapters {
		if !ma.dead.Load() {
			live = append(live, ma)
		}
	}
	return live
}

// failureCounts returns failure reasons per source name.
func (m *ScrapingManager) failureCounts() map[string]map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]map[string]int, len(m.adapters))
	for _, ma := range m.adapters {
		if f := ma.adapter.Failures(); len(f) > 0 {
			counts[ma.adapter.Source().Name] = f
		}
	}
	return counts
}

// Cleanup shuts every adapter down. It is idempotent and never fails;
// shutdown errors are logged.
func (m *ScrapingManager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleaned {
		return
	}
	m.cleaned = true
	for _, ma := range m.adapters {
		if err := ma.adapter.Shutdown(); err != nil {
			m.log.Warn("Adapter shutdown failed",
				logger.String("source", ma.adapter.Source().Name),
				logger.Error(err),
			)
		}
	}
	m.adapters = nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
