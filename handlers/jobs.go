package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"pricewatch/analytics"
	"pricewatch/models"
	"pricewatch/repository"
	"pricewatch/services"
)

// StartScan queues a scan and returns the job id at once.
func (h *Handlers) StartScan(w http.ResponseWriter, r *http.Request) {
	var req services.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.scans.StartScan(r.Context(), req)
	if err != nil {
		h.fail(w, "start scan", err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs returns jobs filtered by status and supplier.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.JobFilter{SupplierID: q.Get("supplierId")}

	if s := q.Get("status"); s != "" {
		status := models.JobStatus(s)
		if !status.IsValid() {
			writeError(w, http.StatusBadRequest, "Invalid status")
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = parseInt(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	if filter.Offset, err = parseInt(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	jobs, err := h.scans.ListJobs(r.Context(), filter)
	if err != nil {
		h.fail(w, "list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.scans.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handlers) StopJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.scans.StopJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "stop job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// DeleteJob removes a finished job with its results.
func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.scans.DeleteJob(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.fail(w, "delete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobResults lists the results a job persisted.
func (h *Handlers) JobResults(w http.ResponseWriter, r *http.Request) {
	filter, ok := resultFilter(w, r)
	if !ok {
		return
	}
	results, err := h.scans.Results(r.Context(), mux.Vars(r)["id"], filter)
	if err != nil {
		h.fail(w, "list results", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// Analytics summarizes results and margin opportunities.
func (h *Handlers) Analytics(w http.ResponseWriter, r *http.Request) {
	filter, ok := resultFilter(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter.JobID = q.Get("jobId")

	var opts analytics.Options
	var err error
	if opts.MarginThreshold, err = parseFloat(q.Get("marginThreshold")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid marginThreshold")
		return
	}
	if opts.ConfidenceThreshold, err = parseFloat(q.Get("confidenceThreshold")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid confidenceThreshold")
		return
	}

	summary, err := h.scans.Analytics(r.Context(), filter, opts)
	if err != nil {
		h.fail(w, "calculate analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// resultFilter reads the shared result query parameters. It writes a 400
// and returns false on bad input.
func resultFilter(w http.ResponseWriter, r *http.Request) (models.ResultFilter, bool) {
	q := r.URL.Query()
	filter := models.ResultFilter{
		SourceID:   q.Get("sourceId"),
		ProductID:  q.Get("productId"),
		SupplierID: q.Get("supplierId"),
	}

	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from, expected RFC3339")
		return filter, false
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to, expected RFC3339")
		return filter, false
	}
	if filter.MinConfidence, err = parseFloat(q.Get("minConfidence")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid minConfidence")
		return filter, false
	}
	if filter.Limit, err = parseInt(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return filter, false
	}
	return filter, true
}
