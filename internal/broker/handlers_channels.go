package broker

import (
	"encoding/json"
	"net/http"

	"github.com/orbiter-labs/fleetbroker/internal/brokererr"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

type registerChannelRequest struct {
	ChannelID string         `json:"channelId"`
	Kind      string         `json:"kind"` // slack|github|mail|telegram
	Name      string         `json:"name"`
	Config    map[string]any `json:"config"`
}

// handleRegisterChannel upserts an integration channel record (spec §6,
// POST /api/channels; SPEC_FULL §4.4 router's channel registry).
func (s *Server) handleRegisterChannel(w http.ResponseWriter, r *http.Request) {
	var req registerChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "malformed request body", err))
		return
	}
	if req.Kind == "" || req.Name == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "kind and name are required", nil))
		return
	}
	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "invalid config", err))
		return
	}
	channelID := req.ChannelID
	if channelID == "" {
		channelID = persistence.NewChannelID()
	}
	channel, err := s.cfg.Store.RegisterChannel(r.Context(), channelID, req.Kind, req.Name, string(configJSON))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.cfg.Store.ListChannels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}
