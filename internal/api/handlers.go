package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/localrank/internal/export"
	"github.com/sells-group/localrank/internal/geogrid"
	"github.com/sells-group/localrank/internal/heatmap"
	"github.com/sells-group/localrank/internal/quota"
	"github.com/sells-group/localrank/internal/store"
)

func errorsIsNotFound(err error) bool {
	return errors.Is(err, store.ErrScanNotFound)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req heatmap.ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	res, err := s.scanner.Scan(r.Context(), req)
	var perr *heatmap.PersistenceError
	switch {
	case errors.As(err, &perr):
		s.writeUnsaved(w, r, perr)
	case err != nil:
		writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) writeUnsaved(w http.ResponseWriter, r *http.Request, perr *heatmap.PersistenceError) {
	if !s.unsaved.put(perr.Summary) {
		zap.L().Warn("unsaved scan buffer full, summary only returned to caller",
			zap.String("scan_id", perr.Summary.ID.String()),
		)
	}
	zap.L().Error("scan ran but was not saved",
		zap.String("path", r.URL.Path),
		zap.String("scan_id", perr.Summary.ID.String()),
		zap.Error(perr),
	)
	writeJSON(w, http.StatusServiceUnavailable, unsavedBody{
		errorBody: errorBody{Error: perr.Error(), Category: heatmap.CategoryPersistence},
		ScanID:    perr.Summary.ID,
		Summary:   perr.Summary,
	})
}

// handlePersistScan retries the save of a scan held after a persistence
// failure. No provider calls are made and no quota is charged.
func (s *Server) handlePersistScan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid scan id")
		return
	}
	summary, ok := s.unsaved.get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{
			Error:    "no unsaved scan " + id.String(),
			Category: heatmap.CategoryNotFound,
		})
		return
	}
	if err := s.scanner.Persist(r.Context(), summary); err != nil {
		writeError(w, r, err)
		return
	}
	s.unsaved.remove(id)
	writeJSON(w, http.StatusOK, summary)
}

type rankCheckRequest struct {
	ProjectID          string  `json:"projectId"`
	KeywordCombination string  `json:"keywordCombination"`
	Lat                float64 `json:"lat"`
	Lng                float64 `json:"lng"`
	Depth              int     `json:"depth,omitempty"`
}

func (s *Server) handleRankCheck(w http.ResponseWriter, r *http.Request) {
	var req rankCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	check, err := s.scanner.CheckPoint(r.Context(), req.ProjectID, req.KeywordCombination,
		geogrid.Coordinate{Lat: req.Lat, Lng: req.Lng}, req.Depth)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) loadScan(w http.ResponseWriter, r *http.Request) (*heatmap.ScanSummary, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid scan id")
		return nil, false
	}
	sum, err := s.history.GetScan(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return sum, true
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	if sum, ok := s.loadScan(w, r); ok {
		writeJSON(w, http.StatusOK, sum)
	}
}

func (s *Server) handleExportXLSX(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="scan-`+sum.ID.String()+`.xlsx"`)
	if err := export.WriteXLSX(w, sum); err != nil {
		writeError(w, r, err)
	}
}

func (s *Server) handleExportGeoJSON(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.loadScan(w, r)
	if !ok {
		return
	}
	data, err := export.GeoJSON(sum)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	_, _ = w.Write(data)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	filter := store.ScanFilter{
		ProjectID: chi.URLParam(r, "projectId"),
		Keyword:   r.URL.Query().Get("keyword"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "invalid limit")
			return
		}
		filter.Limit = n
	}
	records, err := s.history.ListScans(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []store.ScanRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": records})
}

func (s *Server) handleGridCells(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	if keyword == "" {
		badRequest(w, "keyword is required")
		return
	}
	cells, err := s.history.GridCells(r.Context(), chi.URLParam(r, "projectId"), keyword)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cells == nil {
		cells = []store.GridCell{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cells": cells})
}

type quotaResponse struct {
	quota.State
	Remaining int `json:"remaining"`
}

func meterParam(r *http.Request) (quota.Meter, bool) {
	switch m := quota.Meter(r.URL.Query().Get("meter")); m {
	case "":
		return quota.MeterHeatmap, true
	case quota.MeterHeatmap, quota.MeterRank:
		return m, true
	default:
		return "", false
	}
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	meter, ok := meterParam(r)
	if !ok {
		badRequest(w, "unknown meter")
		return
	}
	st, err := s.quota.Status(r.Context(), chi.URLParam(r, "accountId"), meter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse{State: st, Remaining: st.Remaining()})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	meter, ok := meterParam(r)
	if !ok {
		badRequest(w, "unknown meter")
		return
	}
	var body struct {
		Checks int `json:"checks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Checks <= 0 {
		badRequest(w, "checks must be a positive integer")
		return
	}
	st, err := s.quota.Purchase(r.Context(), chi.URLParam(r, "accountId"), meter, body.Checks)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse{State: st, Remaining: st.Remaining()})
}
