package broker

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/orbiter-labs/fleetbroker/internal/audit"
	"github.com/orbiter-labs/fleetbroker/internal/brokererr"
	"github.com/orbiter-labs/fleetbroker/internal/httpapi"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

type createTaskRequest struct {
	OwnerAgentID    string         `json:"ownerAgentId"`
	OfferedTo       string         `json:"offeredTo"`
	Description     string         `json:"description"`
	Source          string         `json:"source"`
	Type            string         `json:"type"`
	Tags            []string       `json:"tags"`
	Priority        int            `json:"priority"`
	DependsOn       []string       `json:"dependsOn"`
	EpicID          string         `json:"epicId"`
	ParentTaskID    string         `json:"parentTaskId"`
	ExternalContext map[string]any `json:"externalContext"`
}

// handleCreateTask creates a task, choosing its initial state per the
// creation rules of spec §4.1 (see persistence.CreateTask).
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "malformed request body", err))
		return
	}
	if err := s.validator.Validate(httpapi.SchemaTaskCreate, body); err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "request body failed schema validation", err))
		return
	}
	var req createTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "malformed request body", err))
		return
	}
	if req.Description == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "description is required", nil))
		return
	}
	creatorAgentID := AgentID(r)
	task, err := s.cfg.Store.CreateTask(r.Context(), persistence.CreateTaskParams{
		CreatorAgentID:  creatorAgentID,
		OwnerAgentID:    req.OwnerAgentID,
		OfferedTo:       req.OfferedTo,
		Description:     req.Description,
		Source:          req.Source,
		Type:            req.Type,
		Tags:            req.Tags,
		Priority:        req.Priority,
		DependsOn:       req.DependsOn,
		EpicID:          req.EpicID,
		ParentTaskID:    req.ParentTaskID,
		ExternalContext: req.ExternalContext,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish("task.created", task)
	}
	writeJSON(w, http.StatusCreated, task)
}

// handleListTasks supports status/ownerAgentId/epicId/limit query filters
// (spec §6, GET /api/tasks).
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		Status:       persistence.TaskStatus(q.Get("status")),
		OwnerAgentID: q.Get("ownerAgentId"),
		EpicID:       q.Get("epicId"),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleClaimTask implements the atomic unassigned -> pending claim race
// of spec §4.1 ("claim"): exactly one of N concurrent callers wins.
func (s *Server) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	agentID := AgentID(r)
	if agentID == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "missing X-Agent-ID header", nil))
		return
	}
	task, err := s.cfg.Store.ClaimUnassignedTask(r.Context(), r.PathValue("id"), agentID)
	if err != nil {
		audit.Record("claim", "deny", err.Error(), agentID)
		s.writeError(w, err)
		return
	}
	audit.Record("claim", "grant", "", agentID)
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish("task.claimed", task)
	}
	writeJSON(w, http.StatusOK, task)
}

// handleAcceptTask implements offered -> reviewing -> pending, the
// two-phase offer acknowledgement of spec §4.1. The offeredTo agent must
// first call claim (resolving offered->reviewing) before accept.
func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	agentID := AgentID(r)
	if agentID == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "missing X-Agent-ID header", nil))
		return
	}
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.ResolveOfferedTask(r.Context(), taskID, agentID); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.cfg.Store.AcceptOfferedTask(r.Context(), taskID, agentID)
	if err != nil {
		audit.Record("accept", "deny", err.Error(), agentID)
		s.writeError(w, err)
		return
	}
	audit.Record("accept", "grant", "", agentID)
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish("task.accepted", task)
	}
	writeJSON(w, http.StatusOK, task)
}

type rejectTaskRequest struct {
	Reason       string `json:"reason"`
	DropToFailed bool   `json:"dropToFailed"`
}

// handleRejectTask implements offered -> reviewing -> unassigned|failed
// (spec §4.1 "reject").
func (s *Server) handleRejectTask(w http.ResponseWriter, r *http.Request) {
	agentID := AgentID(r)
	if agentID == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "missing X-Agent-ID header", nil))
		return
	}
	var req rejectTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "malformed request body", err))
		return
	}
	taskID := r.PathValue("id")
	if _, err := s.cfg.Store.ResolveOfferedTask(r.Context(), taskID, agentID); err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.cfg.Store.RejectOfferedTask(r.Context(), taskID, agentID, req.Reason, req.DropToFailed)
	if err != nil {
		audit.Record("reject", "deny", err.Error(), agentID)
		s.writeError(w, err)
		return
	}
	audit.Record("reject", "grant", req.Reason, agentID)
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish("task.rejected", task)
	}
	writeJSON(w, http.StatusOK, task)
}

// handleDispatchTask implements pending -> in_progress, enforcing the
// per-agent concurrency cap (spec §4.1 "dispatch").
func (s *Server) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.DispatchPendingTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish("task.dispatched", task)
	}
	writeJSON(w, http.StatusOK, task)
}

type finishTaskRequest struct {
	Status        string `json:"status"` // completed|failed
	Output        string `json:"output"`
	FailureReason string `json:"failureReason"`
}

// handleFinishTask is idempotent: a second finish call for an
// already-terminal task returns the existing result without error (spec
// §4.1 edge case "double finish").
func (s *Server) handleFinishTask(w http.ResponseWriter, r *http.Request) {
	var req finishTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "malformed request body", err))
		return
	}
	if req.Status != string(persistence.TaskStatusCompleted) && req.Status != string(persistence.TaskStatusFailed) {
		s.writeError(w, brokererr.New(brokererr.Validation, "status must be completed or failed", nil))
		return
	}
	result, err := s.cfg.Store.FinishTask(r.Context(), r.PathValue("id"), req.Status, req.Output, req.FailureReason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Bus != nil && !result.AlreadyFinished {
		s.cfg.Bus.Publish("task.finished", result)
	}
	writeJSON(w, http.StatusOK, result)
}

type pauseTaskRequest struct {
	Progress string `json:"progress"`
}

// handlePauseTask preserves Progress verbatim across pause/resume (spec
// §4.1 "pause").
func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	var req pauseTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, brokererr.New(brokererr.Validation, "malformed request body", err))
		return
	}
	task, err := s.cfg.Store.PauseTask(r.Context(), r.PathValue("id"), req.Progress)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.ResumeTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish("task.resumed", task)
	}
	writeJSON(w, http.StatusOK, task)
}

// handleCancelTask implements the cancelled escape hatch reachable from any
// non-terminal state (spec §4.1).
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.CancelTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish("task.cancelled", task)
	}
	writeJSON(w, http.StatusOK, task)
}

// handleListPausedTasks is owner-scoped: a runner resuming after restart
// lists only its own paused tasks (spec §4.3 resume sweep).
func (s *Server) handleListPausedTasks(w http.ResponseWriter, r *http.Request) {
	agentID := AgentID(r)
	if agentID == "" {
		s.writeError(w, brokererr.New(brokererr.Validation, "missing X-Agent-ID header", nil))
		return
	}
	tasks, err := s.cfg.Store.ListPausedTasks(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleListCancelledTasks supports the in-child cooperative-cancellation
// hook: a running child polls this to learn its own task was cancelled
// (spec §6, GET /cancelled-tasks).
func (s *Server) handleListCancelledTasks(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	tasks, err := s.cfg.Store.ListCancelledForHook(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}
