package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/analytics"
	"pricewatch/logger"
	"pricewatch/models"
	"pricewatch/repository"
	"pricewatch/scheduler"
	"pricewatch/scraper"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]models.PriceScrapingJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]models.PriceScrapingJob)}
}

func (s *memJobStore) CreateJob(_ context.Context, job *models.PriceScrapingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *memJobStore) UpdateJob(_ context.Context, job *models.PriceScrapingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Status.IsTerminal() && !(stored.Status == models.JobStatusStopped && job.Status == models.JobStatusStopped) {
		return repository.ErrJobFinalized
	}
	s.jobs[job.ID] = *job
	return nil
}

func (s *memJobStore) GetJob(_ context.Context, id string) (*models.PriceScrapingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &job, nil
}

func (s *memJobStore) JobStatus(ctx context.Context, id string) (models.JobStatus, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (s *memJobStore) ListJobs(_ context.Context, filter repository.JobFilter) ([]models.PriceScrapingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PriceScrapingJob
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *memJobStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *memJobStore) status(id string) models.JobStatus {
	status, _ := s.JobStatus(context.Background(), id)
	return status
}

type memProducts struct {
	products []models.NormalizedProduct
}

func (m *memProducts) ListBySupplier(_ context.Context, supplierID string) ([]models.NormalizedProduct, error) {
	var out []models.NormalizedProduct
	for _, p := range m.products {
		if p.SupplierID == supplierID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memProducts) ListByIDs(_ context.Context, ids []string) ([]models.NormalizedProduct, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []models.NormalizedProduct
	for _, p := range m.products {
		if want[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

type memSources []models.PriceScrapingSource

func (m memSources) ListActive(context.Context) ([]models.PriceScrapingSource, error) {
	var out []models.PriceScrapingSource
	for _, s := range m {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

type memResults struct {
	rows []models.ResultWithProduct
}

func (m *memResults) ListResults(_ context.Context, filter models.ResultFilter) ([]models.PriceScrapingResult, error) {
	var out []models.PriceScrapingResult
	for _, r := range m.rows {
		if filter.JobID == "" || r.JobID == filter.JobID {
			out = append(out, r.PriceScrapingResult)
		}
	}
	return out, nil
}

func (m *memResults) ListResultsWithProducts(context.Context, models.ResultFilter) ([]models.ResultWithProduct, error) {
	return m.rows, nil
}

// priceAdapter offers one fixed EUR price for every product.
type priceAdapter struct {
	source  models.PriceScrapingSource
	price   string
	gate    chan struct{}
	entered chan struct{}
}

func (a *priceAdapter) Initialize(context.Context) error { return nil }

func (a *priceAdapter) Search(ctx context.Context, p models.NormalizedProduct) ([]models.Observation, error) {
	if a.entered != nil {
		select {
		case a.entered <- struct{}{}:
		default:
		}
	}
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, nil
		}
	}
	return []models.Observation{{
		SourceID:       a.source.ID,
		SourceName:     a.source.Name,
		SourcePriority: a.source.Priority,
		Title:          p.DisplayName(),
		Merchant:       a.source.Name,
		URL:            "https://shop.example/" + p.ID,
		Price:          decimal.RequireFromString(a.price),
		Currency:       "EUR",
		Confidence:     0.9,
		ScrapedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}, nil
}

func (a *priceAdapter) Shutdown() error                    { return nil }
func (a *priceAdapter) Source() models.PriceScrapingSource { return a.source }
func (a *priceAdapter) Failures() map[string]int           { return map[string]int{} }

type scanFixture struct {
	svc     *ScanService
	jobs    *memJobStore
	results *resultRecorder
	alerts  *alertRecorder
}

func catalogue(n int) []models.NormalizedProduct {
	out := make([]models.NormalizedProduct, n)
	for i := range out {
		out[i] = wholesaleProduct(fmt.Sprintf("p%d", i+1), "80")
	}
	return out
}

func newScanFixture(t *testing.T, sources memSources, factory scraper.Factory) *scanFixture {
	t.Helper()
	f := &scanFixture{
		jobs:    newMemJobStore(),
		results: &resultRecorder{},
		alerts:  &alertRecorder{},
	}
	ing := NewIngestor(f.results, f.alerts, nil, nil, logger.NewNop())
	f.svc = NewScanService(f.jobs, &memProducts{products: catalogue(5)}, sources, &memResults{}, ing, 2,
		WithManagerOptions(
			scheduler.WithAdapterFactory(factory),
			scheduler.WithSleeper(func(context.Context, time.Duration) error { return nil }),
		),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.svc.Shutdown(ctx)
	})
	return f
}

func fixedPrice(price string, gate chan struct{}) scraper.Factory {
	return gatedPrice(price, gate, nil)
}

func gatedPrice(price string, gate, entered chan struct{}) scraper.Factory {
	return func(source models.PriceScrapingSource, _ scraper.Options) (scraper.Adapter, error) {
		return &priceAdapter{source: source, price: price, gate: gate, entered: entered}, nil
	}
}

func activeSource(id string, rateLimit int) models.PriceScrapingSource {
	return models.PriceScrapingSource{ID: id, Name: "shop-" + id, IsActive: true, RateLimit: rateLimit}
}

func TestStartScan_RunsJobToCompletion(t *testing.T) {
	f := newScanFixture(t, memSources{activeSource("a", 0)}, fixedPrice("100", nil))

	batch := 2
	resp, err := f.svc.StartScan(context.Background(), ScanRequest{
		SupplierID: "sup-1",
		Config:     models.JobConfig{BatchSize: &batch},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.TotalProducts)
	assert.Equal(t, models.JobStatusPending, resp.Status)
	assert.Equal(t, []string{"shop-a"}, resp.Sources)

	require.Eventually(t, func() bool {
		return f.jobs.status(resp.JobID) == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	job, err := f.svc.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, 5, job.ProcessedProducts)
	assert.Equal(t, 5, job.SuccessfulProducts)
	assert.Equal(t, 100, job.Progress)
	assert.Len(t, f.results.all(), 5)
	assert.Len(t, f.alerts.all(), 5)
}

func TestStartScan_ExplicitProductsAndSourceSelection(t *testing.T) {
	f := newScanFixture(t, memSources{activeSource("a", 0), activeSource("b", 0)}, fixedPrice("100", nil))

	resp, err := f.svc.StartScan(context.Background(), ScanRequest{
		ProductIDs: []string{"p2", "p4", "missing"},
		SourceIDs:  []string{"SHOP-B"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.TotalProducts)
	assert.Equal(t, []string{"shop-b"}, resp.Sources)

	require.Eventually(t, func() bool {
		return f.jobs.status(resp.JobID) == models.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	for _, r := range f.results.all() {
		assert.Equal(t, "b", r.SourceID)
		assert.Contains(t, []string{"p2", "p4"}, r.NormalizedProductID)
	}
}

func TestStartScan_RejectsEmptyScopes(t *testing.T) {
	f := newScanFixture(t, memSources{activeSource("a", 0)}, fixedPrice("100", nil))

	_, err := f.svc.StartScan(context.Background(), ScanRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.StartScan(context.Background(), ScanRequest{SupplierID: "nobody"})
	assert.ErrorIs(t, err, ErrNoProducts)

	_, err = f.svc.StartScan(context.Background(), ScanRequest{SupplierID: "sup-1", SourceIDs: []string{"unknown"}})
	assert.ErrorIs(t, err, ErrNoSources)

	jobs, err := f.svc.ListJobs(context.Background(), repository.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStartScan_AllSourcesFailToInitialize(t *testing.T) {
	failing := func(source models.PriceScrapingSource, _ scraper.Options) (scraper.Adapter, error) {
		return nil, fmt.Errorf("%w: broken", scraper.ErrInvalidConfig)
	}
	f := newScanFixture(t, memSources{activeSource("a", 0)}, failing)

	resp, err := f.svc.StartScan(context.Background(), ScanRequest{SupplierID: "sup-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.jobs.status(resp.JobID) == models.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	job, err := f.jobs.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Nil(t, job.StartedAt)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "no scrapers")
}

func TestStopJob_RunningJobStopsAtBatchBoundary(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	f := newScanFixture(t, memSources{activeSource("a", 0)}, gatedPrice("100", gate, entered))

	batch := 1
	resp, err := f.svc.StartScan(context.Background(), ScanRequest{
		SupplierID: "sup-1",
		Config:     models.JobConfig{BatchSize: &batch},
	})
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first batch never started")
	}

	view, err := f.svc.StopJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.True(t, view.Owned)
	close(gate)

	require.Eventually(t, func() bool {
		return f.jobs.status(resp.JobID) == models.JobStatusStopped
	}, 5*time.Second, 10*time.Millisecond)

	job, err := f.jobs.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.ProcessedProducts)
	assert.Len(t, f.results.all(), 1)
}

func TestStopJob_ForeignAndTerminalJobs(t *testing.T) {
	f := newScanFixture(t, memSources{activeSource("a", 0)}, fixedPrice("100", nil))
	ctx := context.Background()

	require.NoError(t, f.jobs.CreateJob(ctx, &models.PriceScrapingJob{ID: "foreign", Status: models.JobStatusRunning}))
	require.NoError(t, f.jobs.CreateJob(ctx, &models.PriceScrapingJob{ID: "done", Status: models.JobStatusCompleted}))

	view, err := f.svc.StopJob(ctx, "foreign")
	require.NoError(t, err)
	assert.False(t, view.Owned)
	assert.Equal(t, models.JobStatusStopped, f.jobs.status("foreign"))

	_, err = f.svc.StopJob(ctx, "done")
	assert.ErrorIs(t, err, repository.ErrJobFinalized)

	_, err = f.svc.StopJob(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteJob_RefusesActiveJobs(t *testing.T) {
	f := newScanFixture(t, memSources{activeSource("a", 0)}, fixedPrice("100", nil))
	ctx := context.Background()

	require.NoError(t, f.jobs.CreateJob(ctx, &models.PriceScrapingJob{ID: "running", Status: models.JobStatusRunning}))
	require.NoError(t, f.jobs.CreateJob(ctx, &models.PriceScrapingJob{ID: "done", Status: models.JobStatusCompleted}))

	assert.ErrorIs(t, f.svc.DeleteJob(ctx, "running"), ErrJobActive)
	require.NoError(t, f.svc.DeleteJob(ctx, "done"))
	assert.ErrorIs(t, f.svc.DeleteJob(ctx, "done"), repository.ErrNotFound)
}

func TestEstimateDuration(t *testing.T) {
	batch, delay := 10, 5000
	settings := models.JobConfig{BatchSize: &batch, DelayBetweenBatches: &delay}.Settings()
	sources := []models.PriceScrapingSource{activeSource("a", 1000), activeSource("b", 2000)}

	assert.Equal(t, 70*time.Second, EstimateDuration(25, settings, sources))
	assert.Equal(t, 20*time.Second, EstimateDuration(10, settings, sources))
	assert.Equal(t, time.Duration(0), EstimateDuration(0, settings, sources))
}

func TestAnalytics_UsesServiceDefaults(t *testing.T) {
	rows := []models.ResultWithProduct{
		{
			PriceScrapingResult: scraped("r1", "100", 0.9),
			WholesalePrice:      decimal.NewNullDecimal(decimal.NewFromInt(80)),
		},
		{
			PriceScrapingResult: scraped("r2", "90", 0.5),
			WholesalePrice:      decimal.NewNullDecimal(decimal.NewFromInt(80)),
		},
	}
	margin := 10.0
	svc := NewScanService(newMemJobStore(), &memProducts{}, memSources{}, &memResults{rows: rows},
		NewIngestor(&resultRecorder{}, &alertRecorder{}, nil, nil, nil), 1,
		WithDefaults(models.JobConfig{MarginThreshold: &margin}))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	summary, err := svc.Analytics(context.Background(), models.ResultFilter{}, analytics.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalResults)
	assert.Equal(t, 2, summary.Opportunities)
	assert.Equal(t, 1, summary.AboveThresholdResults)
	assert.Equal(t, 10.0, summary.MarginThreshold)
}

func TestResults_UnknownJob(t *testing.T) {
	f := newScanFixture(t, memSources{activeSource("a", 0)}, fixedPrice("100", nil))
	_, err := f.svc.Results(context.Background(), "missing", models.ResultFilter{})
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}
