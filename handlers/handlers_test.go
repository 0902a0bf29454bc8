package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricewatch/analytics"
	"pricewatch/models"
	"pricewatch/repository"
	"pricewatch/scheduler"
	"pricewatch/services"
)

type fakeScans struct {
	startReq   services.ScanRequest
	startErr   error
	jobFilter  repository.JobFilter
	stopErr    error
	deleteErr  error
	resultsFor string
	filter     models.ResultFilter
	opts       analytics.Options
}

func (f *fakeScans) StartScan(_ context.Context, req services.ScanRequest) (*services.ScanResponse, error) {
	f.startReq = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &services.ScanResponse{JobID: "job-1", Status: models.JobStatusPending, TotalProducts: 3, EstimatedSeconds: 12}, nil
}

func (f *fakeScans) GetJob(_ context.Context, id string) (*services.JobView, error) {
	if id != "job-1" {
		return nil, repository.ErrNotFound
	}
	return &services.JobView{PriceScrapingJob: models.PriceScrapingJob{ID: id, Status: models.JobStatusRunning}, Progress: 40}, nil
}

func (f *fakeScans) ListJobs(_ context.Context, filter repository.JobFilter) ([]services.JobView, error) {
	f.jobFilter = filter
	return []services.JobView{{PriceScrapingJob: models.PriceScrapingJob{ID: "job-1"}}}, nil
}

func (f *fakeScans) StopJob(_ context.Context, id string) (*services.JobView, error) {
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return &services.JobView{PriceScrapingJob: models.PriceScrapingJob{ID: id, Status: models.JobStatusStopped}}, nil
}

func (f *fakeScans) DeleteJob(context.Context, string) error { return f.deleteErr }

func (f *fakeScans) Results(_ context.Context, jobID string, filter models.ResultFilter) ([]models.PriceScrapingResult, error) {
	f.resultsFor = jobID
	f.filter = filter
	return []models.PriceScrapingResult{{ID: "r-1", JobID: jobID}}, nil
}

func (f *fakeScans) Analytics(_ context.Context, filter models.ResultFilter, opts analytics.Options) (analytics.Summary, error) {
	f.filter = filter
	f.opts = opts
	return analytics.Summary{TotalResults: 7, Opportunities: 2}, nil
}

func (f *fakeScans) Stats() scheduler.RunnerStats {
	return scheduler.RunnerStats{Queued: 1, Running: 2, MaxWorkers: 3}
}

type fakeSources struct {
	saved []models.PriceScrapingSource
	err   error
}

func (f *fakeSources) ListAll(context.Context) ([]models.PriceScrapingSource, error) {
	return []models.PriceScrapingSource{{ID: "src-1", Name: "geizhals"}}, nil
}

func (f *fakeSources) Update(_ context.Context, sources []models.PriceScrapingSource) ([]models.PriceScrapingSource, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.saved = sources
	return sources, nil
}

type fakeImporter struct {
	req  services.ImportRequest
	body string
}

func (f *fakeImporter) Import(_ context.Context, req services.ImportRequest) (*services.ImportResult, error) {
	f.req = req
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(req.File); err != nil {
		return nil, err
	}
	f.body = buf.String()
	return &services.ImportResult{SupplierID: req.SupplierID, DryRun: req.DryRun, Inserted: 1}, nil
}

type fakeAlerts struct {
	filter repository.AlertFilter
}

func (f *fakeAlerts) ListAlerts(_ context.Context, filter repository.AlertFilter) ([]models.ScrapingAlert, error) {
	f.filter = filter
	return []models.ScrapingAlert{{ID: "alert-1"}}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

type fixture struct {
	scans   *fakeScans
	sources *fakeSources
	imports *fakeImporter
	alerts  *fakeAlerts
	router  *mux.Router
}

func newFixture(db Pinger) *fixture {
	f := &fixture{
		scans:   &fakeScans{},
		sources: &fakeSources{},
		imports: &fakeImporter{},
		alerts:  &fakeAlerts{},
		router:  mux.NewRouter(),
	}
	NewHandlers(f.scans, f.sources, f.imports, f.alerts, db, 1<<20, nil).Routes(f.router)
	return f
}

func (f *fixture) do(method, target string, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStartScan(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodPost, "/api/v1/scans", `{"supplierId":"sup-1","sourceIds":["geizhals"],"config":{"batchSize":5}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "job-1", decode(t, rec)["jobId"])
	assert.Equal(t, "sup-1", f.scans.startReq.SupplierID)
	assert.Equal(t, []string{"geizhals"}, f.scans.startReq.SourceIDs)
}

func TestStartScan_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", fmt.Errorf("%w: supplierId or productIds is required", services.ErrInvalidRequest), http.StatusBadRequest},
		{"no sources", services.ErrNoSources, http.StatusBadRequest},
		{"queue full", fmt.Errorf("queue job: %w", scheduler.ErrQueueFull), http.StatusServiceUnavailable},
		{"database down", errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)
			f.scans.startErr = tt.err
			rec := f.do(http.MethodPost, "/api/v1/scans", `{"supplierId":"sup-1"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStartScan_BadBody(t *testing.T) {
	rec := newFixture(nil).do(http.MethodPost, "/api/v1/scans", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs_Filters(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodGet, "/api/v1/jobs?status=RUNNING&supplierId=sup-1&limit=10&offset=20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobStatusRunning, f.scans.jobFilter.Status)
	assert.Equal(t, "sup-1", f.scans.jobFilter.SupplierID)
	assert.Equal(t, 10, f.scans.jobFilter.Limit)
	assert.Equal(t, 20, f.scans.jobFilter.Offset)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/jobs?status=DONE", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/jobs?limit=-1", "").Code)
}

func TestGetJob(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodGet, "/api/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "RUNNING", body["status"])
	assert.EqualValues(t, 40, body["progress"])

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/jobs/missing", "").Code)
}

func TestStopJob(t *testing.T) {
	f := newFixture(nil)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/v1/jobs/job-1/stop", "").Code)

	f.scans.stopErr = fmt.Errorf("%w: job is COMPLETED", repository.ErrJobFinalized)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/v1/jobs/job-1/stop", "").Code)
}

func TestDeleteJob(t *testing.T) {
	f := newFixture(nil)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/v1/jobs/job-1", "").Code)

	f.scans.deleteErr = services.ErrJobActive
	assert.Equal(t, http.StatusConflict, f.do(http.MethodDelete, "/api/v1/jobs/job-1", "").Code)
}

func TestJobResults(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodGet, "/api/v1/jobs/job-1/results?minConfidence=0.8&from=2026-01-01T00:00:00Z&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "job-1", f.scans.resultsFor)
	assert.Equal(t, 0.8, f.scans.filter.MinConfidence)
	require.NotNil(t, f.scans.filter.From)
	assert.Equal(t, 2026, f.scans.filter.From.Year())
	assert.Equal(t, 5, f.scans.filter.Limit)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/jobs/job-1/results?from=yesterday", "").Code)
}

func TestAnalytics(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodGet, "/api/v1/analytics?jobId=job-1&supplierId=sup-1&marginThreshold=15&confidenceThreshold=0.75", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["opportunities"])
	assert.Equal(t, "job-1", f.scans.filter.JobID)
	assert.Equal(t, "sup-1", f.scans.filter.SupplierID)
	assert.Equal(t, 15.0, f.scans.opts.MarginThreshold)
	assert.Equal(t, 0.75, f.scans.opts.ConfidenceThreshold)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/analytics?marginThreshold=high", "").Code)
}

func TestListAlerts(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodGet, "/api/v1/alerts?productId=p-1&since=2026-03-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
	assert.Equal(t, "p-1", f.alerts.filter.ProductID)
	require.NotNil(t, f.alerts.filter.Since)
}

func TestSources(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodGet, "/api/v1/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPut, "/api/v1/sources", `{"sources":[{"name":"idealo","isActive":true}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.sources.saved, 1)
	assert.Equal(t, "idealo", f.sources.saved[0].Name)

	f.sources.err = fmt.Errorf("%w: source 0: name is required", services.ErrInvalidSource)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPut, "/api/v1/sources", `{"sources":[{}]}`).Code)
}

func multipartUpload(t *testing.T, fields map[string]string, fileName, content string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		part, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestImportPriceList(t *testing.T) {
	f := newFixture(nil)

	body, contentType := multipartUpload(t, map[string]string{
		"mapping": `{"brand":"Brand","productName":"Product","wholesalePrice":"Price","currency":"Currency"}`,
		"dryRun":  "true",
	}, "prices.csv", "Brand;Product;Price;Currency\nChanel;No.5;45,00;EUR\n")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/suppliers/sup-9/imports", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sup-9", f.imports.req.SupplierID)
	assert.Equal(t, "prices.csv", f.imports.req.FileName)
	assert.Equal(t, "Price", f.imports.req.Mapping.WholesalePrice)
	assert.True(t, f.imports.req.DryRun)
	assert.Contains(t, f.imports.body, "Chanel;No.5")
}

func TestImportPriceList_BadInput(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]string
		fileName string
	}{
		{"missing file", map[string]string{"mapping": `{}`}, ""},
		{"bad mapping", map[string]string{"mapping": `{`}, "prices.csv"},
		{"bad dry run", map[string]string{"mapping": `{}`, "dryRun": "maybe"}, "prices.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(nil)
			body, contentType := multipartUpload(t, tt.fields, tt.fileName, "a;b\n")
			req := httptest.NewRequest(http.MethodPost, "/api/v1/suppliers/sup-9/imports", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			f.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHealthCheck(t *testing.T) {
	rec := newFixture(fakePinger{}).do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	jobs, ok := body["jobs"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 2, jobs["running"])

	rec = newFixture(fakePinger{err: errors.New("down")}).do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}
