package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"pricewatch/logger"
	"pricewatch/normalizer"
	"pricewatch/services"
)

// ImportPriceList ingests a multipart upload with a "file" part (.csv or
// .xlsx), a "mapping" JSON column mapping and an optional "dryRun" flag.
func (h *Handlers) ImportPriceList(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(h.maxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing file")
		return
	}
	defer file.Close()

	var mapping normalizer.ColumnMapping
	if err := json.Unmarshal([]byte(r.FormValue("mapping")), &mapping); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid mapping")
		return
	}

	dryRun := false
	if v := r.FormValue("dryRun"); v != "" {
		if dryRun, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid dryRun")
			return
		}
	}

	res, err := h.imports.Import(r.Context(), services.ImportRequest{
		SupplierID: mux.Vars(r)["id"],
		FileName:   header.Filename,
		File:       file,
		Mapping:    mapping,
		DryRun:     dryRun,
	})
	if err != nil {
		h.log.Warn("Price list import failed",
			logger.String("file", header.Filename),
			logger.Error(err),
		)
		h.fail(w, "import price list", err)
		return
	}

	status := http.StatusCreated
	if dryRun {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
