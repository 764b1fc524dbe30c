package broker

import (
	"net/http"

	"github.com/orbiter-labs/fleetbroker/internal/brokererr"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// handleMe returns the registered agent record for the calling X-Agent-ID
// (spec §6, GET /me — used by a runner to confirm its own registration).
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	agentID := AgentID(r)
	if agentID == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "missing X-Agent-ID header", nil))
		return
	}
	agent, err := s.cfg.Store.GetAgent(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handlePing records a liveness heartbeat for the calling agent (spec §4.3
// runner poll loop, "ping" step).
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	agentID := AgentID(r)
	if agentID == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "missing X-Agent-ID header", nil))
		return
	}
	if err := s.cfg.Store.Ping(r.Context(), agentID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleClose marks the agent offline on graceful runner shutdown (spec
// §4.3, "close on exit").
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	agentID := AgentID(r)
	if agentID == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "missing X-Agent-ID header", nil))
		return
	}
	if err := s.cfg.Store.CloseAgent(r.Context(), agentID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerAgentRequest struct {
	AgentID             string   `json:"agentId"`
	Name                string   `json:"name"`
	Role                string   `json:"role"`
	CapabilityTags      []string `json:"capabilityTags"`
	IdentityPersona     string   `json:"identityPersona"`
	IdentityValues      string   `json:"identityValues"`
	IdentityVoice       string   `json:"identityVoice"`
	IdentityConstraints string   `json:"identityConstraints"`
	IdentityNotes       string   `json:"identityNotes"`
	MaxTasks            int      `json:"maxTasks"`
}

// handleRegisterAgent registers (or re-registers) a runner identity (spec
// §4.3 step 1, §6 POST /agents).
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "malformed request body", err))
		return
	}
	if req.AgentID == "" || req.Name == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "agentId and name are required", nil))
		return
	}
	agent, err := s.cfg.Store.RegisterAgent(r.Context(), persistence.RegisterAgentParams{
		AgentID:             req.AgentID,
		Name:                req.Name,
		Role:                req.Role,
		CapabilityTags:      req.CapabilityTags,
		IdentityPersona:     req.IdentityPersona,
		IdentityValues:      req.IdentityValues,
		IdentityVoice:       req.IdentityVoice,
		IdentityConstraints: req.IdentityConstraints,
		IdentityNotes:       req.IdentityNotes,
		MaxTasks:            req.MaxTasks,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish("agent.registered", agent)
	}
	writeJSON(w, http.StatusOK, agent)
}
