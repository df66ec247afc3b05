package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/brainless/datastorer/internal/datastore"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
)

// RecordsPage is one page of loaded records.
type RecordsPage struct {
	Fields       []datastore.Field  `json:"fields"`
	Records      []datastore.Record `json:"records"`
	TotalItems   int                `json:"total_items"`
	Offset       int                `json:"offset"`
	ItemsPerPage int                `json:"items_per_page"`
}

// getResourceStatusHandler returns the last task status recorded for a
// resource.
func (s *Server) getResourceStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.statuses == nil {
		writeError(w, http.StatusNotFound, "task statuses are not available")
		return
	}

	status, err := s.statuses.Get(r.PathValue("resource_id"), "datastorer", "task_id")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load task status")
		return
	}
	if status == nil {
		writeError(w, http.StatusNotFound, "no task recorded for resource")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// getResourceRecordsHandler pages through the records loaded for a resource
// with ?offset= and ?limit=.
func (s *Server) getResourceRecordsHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "datastore is not available")
		return
	}

	limit, err := intParam(r, "limit", defaultRecordLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxRecordLimit {
		limit = maxRecordLimit
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	result, err := s.store.Search(r.Context(), datastore.SearchQuery{
		ResourceID: r.PathValue("resource_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "resource has no datastore table")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, RecordsPage{
		Fields:       result.Fields,
		Records:      result.Records,
		TotalItems:   result.Total,
		Offset:       offset,
		ItemsPerPage: limit,
	})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) registerResourceRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/resources/{resource_id}/status", s.getResourceStatusHandler)
	mux.HandleFunc("GET /api/resources/{resource_id}/records", s.getResourceRecordsHandler)
}
