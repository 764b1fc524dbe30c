package broker

import (
	"net/http"

	"github.com/orbiter-labs/fleetbroker/internal/brokererr"
)

type createEpicRequest struct {
	Name string `json:"name"`
	Goal string `json:"goal"`
}

func (s *Server) handleCreateEpic(w http.ResponseWriter, r *http.Request) {
	var req createEpicRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "malformed request body", err))
		return
	}
	if req.Name == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "name is required", nil))
		return
	}
	epic, err := s.cfg.Store.CreateEpic(r.Context(), req.Name, req.Goal)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, epic)
}

func (s *Server) handleGetEpic(w http.ResponseWriter, r *http.Request) {
	epic, err := s.cfg.Store.GetEpic(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epic)
}

// handleEpicProgress reports the completed/total ratio consumed by the
// debounced epic_progress_changed trigger (spec §4.2, §11 Open Question:
// 30s debounce window).
func (s *Server) handleEpicProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.cfg.Store.ComputeEpicProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}
