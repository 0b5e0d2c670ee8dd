package server

import (
	"context"
	"net/http"

	tokentap "github.com/tokentap/tokentap/internal"
)

func (s *server) handleStatsSummary(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	summary, err := s.deps.Store.AggregateUsage(r.Context(), f)
	if err != nil {
		s.storeError(w, "aggregate usage", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handleStatsByModel(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	rows, err := s.deps.Store.UsageByModel(r.Context(), f)
	if err != nil {
		s.storeError(w, "usage by model", err)
		return
	}
	if rows == nil {
		rows = []tokentap.ModelUsage{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleStatsByProgram(w http.ResponseWriter, r *http.Request) {
	s.groupStats(w, r, s.deps.Store.UsageByProgram)
}

func (s *server) handleStatsByProject(w http.ResponseWriter, r *http.Request) {
	s.groupStats(w, r, s.deps.Store.UsageByProject)
}

func (s *server) groupStats(w http.ResponseWriter, r *http.Request,
	query func(ctx context.Context, f tokentap.EventFilter) ([]tokentap.GroupUsage, error),
) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	rows, err := query(r.Context(), f)
	if err != nil {
		s.storeError(w, "usage by group", err)
		return
	}
	if rows == nil {
		rows = []tokentap.GroupUsage{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleStatsByDevice(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	rows, err := s.deps.Store.UsageByDevice(r.Context(), f)
	if err != nil {
		s.storeError(w, "usage by device", err)
		return
	}
	if rows == nil {
		rows = []tokentap.DeviceUsage{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *server) handleStatsOverTime(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	granularity := r.URL.Query().Get("granularity")
	switch granularity {
	case "":
		granularity = tokentap.GranularityHour
	case tokentap.GranularityHour, tokentap.GranularityDay, tokentap.GranularityWeek:
	default:
		writeJSON(w, http.StatusBadRequest,
			errorResponse("granularity must be hour, day, or week"))
		return
	}
	rows, err := s.deps.Store.UsageOverTime(r.Context(), f, granularity)
	if err != nil {
		s.storeError(w, "usage over time", err)
		return
	}
	if rows == nil {
		rows = []tokentap.TimeBucket{}
	}
	writeJSON(w, http.StatusOK, rows)
}
