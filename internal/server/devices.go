package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	tokentap "github.com/tokentap/tokentap/internal"
)

func (s *server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Store.GetDevices(r.Context())
	if err != nil {
		s.storeError(w, "get devices", err)
		return
	}
	if devices == nil {
		devices = []tokentap.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

type registerDeviceRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (s *server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid JSON body"))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name is required"))
		return
	}

	if err := s.deps.Store.RegisterDevice(r.Context(), id, req.Name, req.Metadata); err != nil {
		s.storeError(w, "register device", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": id, "name": req.Name})
}

func (s *server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteDevice(r.Context(), id); err != nil {
		s.storeError(w, "delete device", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
