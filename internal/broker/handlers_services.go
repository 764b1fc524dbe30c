package broker

import (
	"net/http"

	"github.com/orbiter-labs/fleetbroker/internal/brokererr"
)

type registerServiceRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Endpoint string `json:"endpoint"`
}

// handleRegisterService registers an external MCP/tool service the runner's
// sandboxed children may reach (SPEC_FULL §12, MCP session routing table).
func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var req registerServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "malformed request body", err))
		return
	}
	if req.Name == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "name is required", nil))
		return
	}
	svc, err := s.cfg.Store.RegisterService(r.Context(), req.Name, req.Kind, req.Endpoint)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.cfg.Store.ListServices(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}
