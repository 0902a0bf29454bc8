package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricewatch/analytics"
	"pricewatch/logger"
	"pricewatch/metrics"
	"pricewatch/models"
	"pricewatch/repository"
	"pricewatch/scheduler"
	"pricewatch/scraper"
)

var (
	ErrNoProducts     = errors.New("no products to scan")
	ErrNoSources      = errors.New("no active sources selected")
	ErrInvalidRequest = errors.New("invalid scan request")
	ErrJobActive      = errors.New("job is still active")
)

// productIDsKey stores an explicit product list in the job config so a job
// can be resolved again after the in-memory plan is gone.
const productIDsKey = "productIds"

// JobStore persists scraping jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.PriceScrapingJob) error
	UpdateJob(ctx context.Context, job *models.PriceScrapingJob) error
	GetJob(ctx context.Context, id string) (*models.PriceScrapingJob, error)
	JobStatus(ctx context.Context, id string) (models.JobStatus, error)
	ListJobs(ctx context.Context, filter repository.JobFilter) ([]models.PriceScrapingJob, error)
	DeleteJob(ctx context.Context, id string) error
}

// ProductStore reads normalized products.
type ProductStore interface {
	ListBySupplier(ctx context.Context, supplierID string) ([]models.NormalizedProduct, error)
	ListByIDs(ctx context.Context, ids []string) ([]models.NormalizedProduct, error)
}

// ActiveSources lists the sources a scan may use.
type ActiveSources interface {
	ListActive(ctx context.Context) ([]models.PriceScrapingSource, error)
}

// ResultReader queries persisted results.
type ResultReader interface {
	ListResults(ctx context.Context, filter models.ResultFilter) ([]models.PriceScrapingResult, error)
	ListResultsWithProducts(ctx context.Context, filter models.ResultFilter) ([]models.ResultWithProduct, error)
}

// ScanRequest starts a price scan over a supplier's catalogue or an explicit
// product list.
type ScanRequest struct {
	Name       string           `json:"name"`
	SupplierID string           `json:"supplierId"`
	ProductIDs []string         `json:"productIds"`
	SourceIDs  []string         `json:"sourceIds"`
	Config     models.JobConfig `json:"config"`
}

// ScanResponse is returned as soon as the job is queued.
type ScanResponse struct {
	JobID             string           `json:"jobId"`
	Status            models.JobStatus `json:"status"`
	TotalProducts     int              `json:"totalProducts"`
	Sources           []string         `json:"sources"`
	EstimatedDuration time.Duration    `json:"-"`
	EstimatedSeconds  float64          `json:"estimatedDurationSeconds"`
}

// JobView is a job with its live progress.
type JobView struct {
	models.PriceScrapingJob
	Progress int  `json:"progress"`
	Owned    bool `json:"owned"`
}

type scanPlan struct {
	products []models.NormalizedProduct
	sources  []models.PriceScrapingSource
}

// ScanOption configures a ScanService.
type ScanOption func(*ScanService)

// WithDefaults sets the job config every request is merged over.
func WithDefaults(cfg models.JobConfig) ScanOption {
	return func(s *ScanService) { s.defaults = cfg }
}

// WithScanRates sets the exchange rate source used during runs.
func WithScanRates(r scheduler.RateSource) ScanOption {
	return func(s *ScanService) { s.rates = r }
}

// WithScanMetrics sets the metrics sink.
func WithScanMetrics(m *metrics.Metrics) ScanOption {
	return func(s *ScanService) { s.metrics = m }
}

// WithScanLogger sets the logger.
func WithScanLogger(l logger.Logger) ScanOption {
	return func(s *ScanService) { s.log = l }
}

// WithManagerOptions appends options to every ScrapingManager the service
// builds, e.g. a fake adapter factory in tests.
func WithManagerOptions(opts ...scheduler.Option) ScanOption {
	return func(s *ScanService) { s.managerOpts = append(s.managerOpts, opts...) }
}

// WithBrowserBin sets the Chromium binary for headless sources.
func WithBrowserBin(path string) ScanOption {
	return func(s *ScanService) { s.browserBin = path }
}

// WithQueue sets the runner queue size.
func WithQueue(size int) ScanOption {
	return func(s *ScanService) { s.queueSize = size }
}

// ScanService creates scraping jobs and runs them in the background.
type ScanService struct {
	jobs     JobStore
	products ProductStore
	sources  ActiveSources
	results  ResultReader
	ingestor *Ingestor

	defaults    models.JobConfig
	rates       scheduler.RateSource
	metrics     *metrics.Metrics
	log         logger.Logger
	managerOpts []scheduler.Option
	browserBin  string
	queueSize   int
	now         func() time.Time
	newID       func() string

	runner *scheduler.JobRunner
	stop   *scheduler.StopChecker

	mu    sync.Mutex
	plans map[string]scanPlan
}

// NewScanService creates the service and starts its job runner with
// maxJobs workers.
func NewScanService(
	jobs JobStore,
	products ProductStore,
	sources ActiveSources,
	results ResultReader,
	ingestor *Ingestor,
	maxJobs int,
	opts ...ScanOption,
) *ScanService {
	s := &ScanService{
		jobs:     jobs,
		products: products,
		sources:  sources,
		results:  results,
		ingestor: ingestor,
		log:      logger.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
		plans:    make(map[string]scanPlan),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runner = scheduler.NewJobRunner(s.execute, maxJobs,
		scheduler.WithQueueSize(s.queueSize),
		scheduler.WithAbandonHandler(s.abandon),
		scheduler.WithRunnerLogger(s.log),
	)
	s.stop = scheduler.NewStopChecker(s.runner, jobs, s.log)
	return s
}

// Runner exposes the job runner, e.g. for the reaper's ownership checks.
func (s *ScanService) Runner() *scheduler.JobRunner {
	return s.runner
}

// StartScan validates the request, persists a PENDING job and queues it.
func (s *ScanService) StartScan(ctx context.Context, req ScanRequest) (*ScanResponse, error) {
	if req.SupplierID == "" && len(req.ProductIDs) == 0 {
		return nil, fmt.Errorf("%w: supplierId or productIds is required", ErrInvalidRequest)
	}

	cfg := s.defaults.Merge(req.Config)
	if len(req.SourceIDs) > 0 {
		cfg.Sources = req.SourceIDs
	}
	if len(req.ProductIDs) > 0 {
		extra := make(map[string]interface{}, len(cfg.Extra)+1)
		for k, v := range cfg.Extra {
			extra[k] = v
		}
		extra[productIDsKey] = req.ProductIDs
		cfg.Extra = extra
	}

	job := &models.PriceScrapingJob{
		ID:        s.newID(),
		Name:      req.Name,
		Status:    models.JobStatusPending,
		Config:    cfg,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	if req.SupplierID != "" {
		supplierID := req.SupplierID
		job.SupplierID = &supplierID
	}

	plan, err := s.resolve(ctx, job)
	if err != nil {
		return nil, err
	}
	job.TotalProducts = len(plan.products)
	if job.Name == "" {
		job.Name = defaultJobName(req, s.now())
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.mu.Lock()
	s.plans[job.ID] = plan
	s.mu.Unlock()

	if err := s.runner.Submit(job.ID); err != nil {
		s.dropPlan(job.ID)
		if failErr := job.Fail(fmt.Sprintf("not queued: %v", err), s.now()); failErr == nil {
			if updateErr := s.jobs.UpdateJob(ctx, job); updateErr != nil {
				s.log.Error("Failed to persist unqueued job", logger.String("job_id", job.ID), logger.Error(updateErr))
			}
		}
		return nil, fmt.Errorf("queue job: %w", err)
	}

	estimate := EstimateDuration(len(plan.products), cfg.Settings(), plan.sources)
	names := make([]string, 0, len(plan.sources))
	for _, src := range plan.sources {
		names = append(names, src.Name)
	}
	s.log.Info("Scan queued",
		logger.String("job_id", job.ID),
		logger.Int("products", len(plan.products)),
		logger.Strings("sources", names),
		logger.Duration("estimate", estimate),
	)
	return &ScanResponse{
		JobID:             job.ID,
		Status:            job.Status,
		TotalProducts:     len(plan.products),
		Sources:           names,
		EstimatedDuration: estimate,
		EstimatedSeconds:  estimate.Seconds(),
	}, nil
}

// StartSupplierScan implements scheduler.ScanStarter.
func (s *ScanService) StartSupplierScan(ctx context.Context, supplierID string) (string, error) {
	resp, err := s.StartScan(ctx, ScanRequest{SupplierID: supplierID})
	if err != nil {
		return "", err
	}
	return resp.JobID, nil
}

func defaultJobName(req ScanRequest, now time.Time) string {
	stamp := now.UTC().Format("2006-01-02 15:04")
	if req.SupplierID != "" {
		return fmt.Sprintf("Supplier %s scan %s", req.SupplierID, stamp)
	}
	return fmt.Sprintf("Scan of %d products %s", len(req.ProductIDs), stamp)
}

// resolve loads the products and sources a job runs over.
func (s *ScanService) resolve(ctx context.Context, job *models.PriceScrapingJob) (scanPlan, error) {
	var (
		products []models.NormalizedProduct
		err      error
	)
	if ids := productIDs(job.Config); len(ids) > 0 {
		products, err = s.products.ListByIDs(ctx, ids)
	} else if job.SupplierID != nil {
		products, err = s.products.ListBySupplier(ctx, *job.SupplierID)
	}
	if err != nil {
		return scanPlan{}, fmt.Errorf("load products: %w", err)
	}
	if len(products) == 0 {
		return scanPlan{}, ErrNoProducts
	}

	active, err := s.sources.ListActive(ctx)
	if err != nil {
		return scanPlan{}, fmt.Errorf("load sources: %w", err)
	}
	sources := selectSources(active, job.Config.Sources)
	if len(sources) == 0 {
		return scanPlan{}, ErrNoSources
	}
	return scanPlan{products: products, sources: sources}, nil
}

// selectSources keeps the active sources matching wanted by id or name.
// An empty selection means every active source.
func selectSources(active []models.PriceScrapingSource, wanted []string) []models.PriceScrapingSource {
	if len(wanted) == 0 {
		return active
	}
	set := make(map[string]struct{}, len(wanted))
	for _, w := range wanted {
		set[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	var out []models.PriceScrapingSource
	for _, src := range active {
		_, byID := set[strings.ToLower(src.ID)]
		_, byName := set[strings.ToLower(src.Name)]
		if byID || byName {
			out = append(out, src)
		}
	}
	return out
}

func productIDs(cfg models.JobConfig) []string {
	switch ids := cfg.Extra[productIDsKey].(type) {
	case []string:
		return ids
	case []interface{}:
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if s, ok := id.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// EstimateDuration approximates the wall-clock time of a scan: every batch
// waits on the slowest source for each of its products, and batches are
// separated by the configured delay.
func EstimateDuration(products int, settings models.JobSettings, sources []models.PriceScrapingSource) time.Duration {
	if products == 0 || settings.BatchSize <= 0 {
		return 0
	}
	var slowest time.Duration
	for _, src := range sources {
		if d := src.MinInterval(); d > slowest {
			slowest = d
		}
	}
	batches := (products + settings.BatchSize - 1) / settings.BatchSize
	return time.Duration(batches*settings.BatchSize)*slowest +
		time.Duration(batches-1)*settings.DelayBetweenBatches
}

// execute runs one queued job to a terminal state. It is the runner's
// JobExecutor.
func (s *ScanService) execute(ctx context.Context, jobID string) error {
	log := s.log.With(logger.String("job_id", jobID))
	defer s.dropPlan(jobID)

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status != models.JobStatusPending || s.runner.IsStopRequested(jobID) {
		log.Info("Skipping job that is no longer pending", logger.String("status", string(job.Status)))
		return nil
	}

	settings := job.Config.Settings()
	opts := []scheduler.Option{
		scheduler.WithLogger(log),
		scheduler.WithMetrics(s.metrics),
		scheduler.WithAdapterOptions(scraper.Options{
			MaxRetries: settings.MaxRetries,
			Logger:     log,
			BrowserBin: s.browserBin,
		}),
	}
	if s.rates != nil {
		opts = append(opts, scheduler.WithRates(s.rates))
	}
	opts = append(opts, s.managerOpts...)

	plan, ok := s.plan(jobID)
	if !ok {
		if plan, err = s.resolve(ctx, job); err != nil {
			manager := scheduler.NewScrapingManager(s.jobs, nil, s.stop, opts...)
			if abortErr := manager.Abort(ctx, job, err); abortErr != nil {
				log.Error("Failed to persist aborted job", logger.Error(abortErr))
			}
			return err
		}
	}

	sink := newJobSink(s.ingestor, plan.products, settings)
	manager := scheduler.NewScrapingManager(s.jobs, sink, s.stop, opts...)
	defer manager.Cleanup()

	if err := manager.InitializeScrapers(ctx, plan.sources); err != nil {
		if abortErr := manager.Abort(ctx, job, err); abortErr != nil {
			log.Error("Failed to persist aborted job", logger.Error(abortErr))
		}
		return err
	}
	return manager.StartScrapingJob(ctx, job, plan.products)
}

// abandon fails a queued job the runner dropped on shutdown.
func (s *ScanService) abandon(jobID string) {
	s.dropPlan(jobID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		s.log.Error("Failed to load abandoned job", logger.String("job_id", jobID), logger.Error(err))
		return
	}
	if err := job.Fail("service shut down before the job started", s.now()); err != nil {
		return
	}
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		s.log.Error("Failed to persist abandoned job", logger.String("job_id", jobID), logger.Error(err))
	}
}

func (s *ScanService) plan(jobID string) (scanPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[jobID]
	return p, ok
}

func (s *ScanService) dropPlan(jobID string) {
	s.mu.Lock()
	delete(s.plans, jobID)
	s.mu.Unlock()
}

// GetJob returns a job with its progress.
func (s *ScanService) GetJob(ctx context.Context, id string) (*JobView, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobView{PriceScrapingJob: *job, Progress: job.Progress(), Owned: s.runner.Owns(id)}, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *ScanService) ListJobs(ctx context.Context, filter repository.JobFilter) ([]JobView, error) {
	jobs, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, JobView{
			PriceScrapingJob: jobs[i],
			Progress:         jobs[i].Progress(),
			Owned:            s.runner.Owns(jobs[i].ID),
		})
	}
	return views, nil
}

// StopJob requests a stop. A job running here halts at its next batch
// boundary; a queued or foreign job is marked STOPPED directly, and a
// foreign runner observes the persisted status at its next boundary.
func (s *ScanService) StopJob(ctx context.Context, id string) (*JobView, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job is %s", repository.ErrJobFinalized, job.Status)
	}

	owned := s.runner.RequestStop(id)
	if !owned || job.Status == models.JobStatusPending {
		if err := job.Transition(models.JobStatusStopped, s.now()); err != nil {
			return nil, err
		}
		if err := s.jobs.UpdateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("stop job: %w", err)
		}
	}
	s.log.Info("Stop requested",
		logger.String("job_id", id),
		logger.Bool("owned", owned),
		logger.String("status", string(job.Status)),
	)
	return &JobView{PriceScrapingJob: *job, Progress: job.Progress(), Owned: owned}, nil
}

// DeleteJob removes a job and its results. Jobs still queued or running in
// this process must be stopped first.
func (s *ScanService) DeleteJob(ctx context.Context, id string) error {
	if s.runner.Owns(id) {
		return ErrJobActive
	}
	status, err := s.jobs.JobStatus(ctx, id)
	if err != nil {
		return err
	}
	if status == models.JobStatusRunning {
		return ErrJobActive
	}
	return s.jobs.DeleteJob(ctx, id)
}

// Results returns the persisted results of a job.
func (s *ScanService) Results(ctx context.Context, jobID string, filter models.ResultFilter) ([]models.PriceScrapingResult, error) {
	if _, err := s.jobs.JobStatus(ctx, jobID); err != nil {
		return nil, err
	}
	filter.JobID = jobID
	return s.results.ListResults(ctx, filter)
}

// Analytics aggregates the results matching filter.
func (s *ScanService) Analytics(ctx context.Context, filter models.ResultFilter, opts analytics.Options) (analytics.Summary, error) {
	rows, err := s.results.ListResultsWithProducts(ctx, filter)
	if err != nil {
		return analytics.Summary{}, err
	}
	defaults := s.defaults.Settings()
	if opts.MarginThreshold <= 0 {
		opts.MarginThreshold = defaults.MarginThreshold
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = defaults.ConfidenceThreshold
	}
	return analytics.CalculateAnalytics(rows, opts), nil
}

// Stats reports the runner's queue.
func (s *ScanService) Stats() scheduler.RunnerStats {
	return s.runner.Stats()
}

// Shutdown stops the runner, waiting for running jobs until ctx ends.
func (s *ScanService) Shutdown(ctx context.Context) error {
	return s.runner.Shutdown(ctx)
}
