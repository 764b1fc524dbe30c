package broker

import (
	"net/http"
	"strconv"

	"github.com/orbiter-labs/fleetbroker/internal/brokererr"
	"github.com/orbiter-labs/fleetbroker/internal/pricing"
	"github.com/orbiter-labs/fleetbroker/internal/tokenutil"
)

type sessionLogsRequest struct {
	SessionID string   `json:"sessionId"`
	TaskID    string   `json:"taskId"`
	Stream    string   `json:"stream"` // stdout|stderr
	Lines     []string `json:"lines"`
}

// handleSessionLogs accepts a batch of stdout/stderr lines the runner
// flushes at >=50 lines or >=5s (spec §4.3 child process contract).
func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	var req sessionLogsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "malformed request body", err))
		return
	}
	if req.SessionID == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "sessionId is required", nil))
		return
	}
	if err := s.cfg.Store.AppendSessionLogLines(r.Context(), req.SessionID, req.TaskID, req.Stream, req.Lines); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionCostsRequest struct {
	SessionID        string  `json:"sessionId"`
	TaskID           string  `json:"taskId"`
	AgentID          string  `json:"agentId"`
	Model            string  `json:"model"`
	Output           string  `json:"output"`
	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd"`
}

// handleSessionCosts accepts the fire-and-forget cost report a runner sends
// when a child emits a "result" line carrying total_cost_usd and usage
// (spec §4.3 child process contract). Older runners (or ones whose child
// process never emitted a usage block) may omit completionTokens and
// estimatedCostUsd entirely; when that happens and the runner still passed
// along the raw output and model name, the broker estimates both itself
// rather than recording a silent zero.
func (s *Server) handleSessionCosts(w http.ResponseWriter, r *http.Request) {
	var req sessionCostsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "malformed request body", err))
		return
	}
	if req.SessionID == "" || req.AgentID == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "sessionId and agentId are required", nil))
		return
	}

	if req.CompletionTokens == 0 && req.Output != "" {
		req.CompletionTokens = tokenutil.EstimateTokens(req.Output)
	}
	if req.EstimatedCostUSD == 0 && req.Model != "" {
		req.EstimatedCostUSD = pricing.EstimateCost(req.Model, req.PromptTokens, req.CompletionTokens)
	}

	if err := s.cfg.Store.RecordSessionCost(r.Context(), req.SessionID, req.TaskID, req.AgentID, req.PromptTokens, req.CompletionTokens, req.EstimatedCostUSD); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetSessionLogs returns a session's captured stdout/stderr lines
// (spec §6, GET /api/session-logs).
func (s *Server) handleGetSessionLogs(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	lines, err := s.cfg.Store.ListSessionLogLines(r.Context(), sessionID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}
