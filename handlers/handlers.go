package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricewatch/analytics"
	"pricewatch/logger"
	"pricewatch/models"
	"pricewatch/repository"
	"pricewatch/scheduler"
	"pricewatch/services"
)

// ScanAPI is the job surface of services.ScanService.
type ScanAPI interface {
	StartScan(ctx context.Context, req services.ScanRequest) (*services.ScanResponse, error)
	GetJob(ctx context.Context, id string) (*services.JobView, error)
	ListJobs(ctx context.Context, filter repository.JobFilter) ([]services.JobView, error)
	StopJob(ctx context.Context, id string) (*services.JobView, error)
	DeleteJob(ctx context.Context, id string) error
	Results(ctx context.Context, jobID string, filter models.ResultFilter) ([]models.PriceScrapingResult, error)
	Analytics(ctx context.Context, filter models.ResultFilter, opts analytics.Options) (analytics.Summary, error)
	Stats() scheduler.RunnerStats
}

// SourceAPI manages scraping sources.
type SourceAPI interface {
	ListAll(ctx context.Context) ([]models.PriceScrapingSource, error)
	Update(ctx context.Context, sources []models.PriceScrapingSource) ([]models.PriceScrapingSource, error)
}

// Importer ingests supplier price lists.
type Importer interface {
	Import(ctx context.Context, req services.ImportRequest) (*services.ImportResult, error)
}

// AlertLister reads margin alerts.
type AlertLister interface {
	ListAlerts(ctx context.Context, filter repository.AlertFilter) ([]models.ScrapingAlert, error)
}

// Pinger checks the database connection.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Handlers struct {
	scans         ScanAPI
	sources       SourceAPI
	imports       Importer
	alerts        AlertLister
	db            Pinger
	log           logger.Logger
	maxUploadSize int64
	startedAt     time.Time
}

func NewHandlers(scans ScanAPI, sources SourceAPI, imports Importer, alerts AlertLister, db Pinger, maxUploadSize int64, log logger.Logger) *Handlers {
	if log == nil {
		log = logger.NewNop()
	}
	if maxUploadSize <= 0 {
		maxUploadSize = 20 << 20
	}
	return &Handlers{
		scans:         scans,
		sources:       sources,
		imports:       imports,
		alerts:        alerts,
		db:            db,
		log:           log,
		maxUploadSize: maxUploadSize,
		startedAt:     time.Now(),
	}
}

// Routes registers every endpoint on r.
func (h *Handlers) Routes(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/scans", h.StartScan).Methods("POST")

	api.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.DeleteJob).Methods("DELETE")
	api.HandleFunc("/jobs/{id}/stop", h.StopJob).Methods("POST")
	api.HandleFunc("/jobs/{id}/results", h.JobResults).Methods("GET")

	api.HandleFunc("/analytics", h.Analytics).Methods("GET")
	api.HandleFunc("/alerts", h.ListAlerts).Methods("GET")

	api.HandleFunc("/sources", h.ListSources).Methods("GET")
	api.HandleFunc("/sources", h.UpdateSources).Methods("PUT")

	api.HandleFunc("/suppliers/{id}/imports", h.ImportPriceList).Methods("POST")
}

// HealthCheck reports database reachability and the job queue.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"service":   "pricewatch",
		"jobs":      h.scans.Stats(),
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			h.log.Warn("Health check database ping failed", logger.Error(err))
			status = http.StatusServiceUnavailable
			response["status"] = "degraded"
			response["database"] = "unreachable"
		}
	}
	writeJSON(w, status, response)
}

// ListAlerts returns margin alerts, newest first.
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.AlertFilter{ProductID: q.Get("productId")}

	var err error
	if filter.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid since, expected RFC3339")
		return
	}
	if filter.Limit, err = parseInt(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	alerts, err := h.alerts.ListAlerts(r.Context(), filter)
	if err != nil {
		h.fail(w, "list alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ListSources returns every configured source.
func (h *Handlers) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.sources.ListAll(r.Context())
	if err != nil {
		h.fail(w, "list sources", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": sources})
}

// UpdateSources replaces the source registry.
func (h *Handlers) UpdateSources(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sources []models.PriceScrapingSource `json:"sources"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	saved, err := h.sources.Update(r.Context(), req.Sources)
	if err != nil {
		h.fail(w, "update sources", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": saved})
}

// fail maps service errors to HTTP statuses.
func (h *Handlers) fail(w http.ResponseWriter, action string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrJobFinalized), errors.Is(err, services.ErrJobActive):
		status = http.StatusConflict
	case errors.Is(err, services.ErrInvalidRequest),
		errors.Is(err, services.ErrNoProducts),
		errors.Is(err, services.ErrNoSources),
		errors.Is(err, services.ErrInvalidSource),
		errors.Is(err, services.ErrInvalidMapping),
		errors.Is(err, services.ErrUnreadableFile):
		status = http.StatusBadRequest
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrRunnerClosed):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", logger.String("action", action), logger.Error(err))
		writeError(w, status, "Failed to "+action)
		return
	}
	writeError(w, status, err.Error())
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func parseFloat(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
