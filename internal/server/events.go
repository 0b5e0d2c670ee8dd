package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	tokentap "github.com/tokentap/tokentap/internal"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (s *server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	skip, limit := parsePaging(r)
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	events, total, err := s.deps.Store.QueryEvents(r.Context(), f, skip, limit)
	if err != nil {
		s.storeError(w, "query events", err)
		return
	}
	if events == nil {
		events = []*tokentap.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"skip":   skip,
		"limit":  limit,
	})
}

func (s *server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event, err := s.deps.Store.GetEvent(r.Context(), id)
	if err != nil {
		s.storeError(w, "get event", err)
		return
	}
	if event == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("event not found"))
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *server) handleDeleteAllEvents(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.deps.Store.DeleteAllEvents(r.Context())
	if err != nil {
		s.storeError(w, "delete all events", err)
		return
	}
	slog.Warn("all events deleted", "count", deleted)
	writeJSON(w, http.StatusOK, map[string]any{"deleted_count": deleted, "status": "ok"})
}

// storeError logs the failure and returns an opaque 500. Store errors carry
// connection details that do not belong in API responses.
func (s *server) storeError(w http.ResponseWriter, op string, err error) {
	slog.Error("store operation failed", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse("storage unavailable"))
}
