package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/brokererr"
)

// handlePoll implements the long-poll loop of spec §4.2/§9: repeatedly call
// ResolveTrigger at PollInterval until a trigger fires or PollTimeout
// expires, at which point it returns {"type":"none"}. Grounded on the
// teacher's engine loop shape (bounded retry loop over a store call) but
// driven by an HTTP long-poll instead of an in-process goroutine.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	agentID := AgentID(r)
	if agentID == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "missing X-Agent-ID header", nil))
		return
	}
	isLead := r.URL.Query().Get("role") == "lead"

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if s.cfg.Bus != nil {
		sub := s.cfg.Bus.Subscribe("")
		defer s.cfg.Bus.Unsubscribe(sub)
		ch := make(chan struct{}, 1)
		go func() {
			for range sub.Ch() {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}()
		wake = ch
	}

	for {
		trigger, err := s.cfg.Store.ResolveTrigger(ctx, agentID, isLead)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if trigger != nil {
			writeJSON(w, http.StatusOK, trigger)
			return
		}

		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusOK, map[string]string{"type": "none"})
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}
