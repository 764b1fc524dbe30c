package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orbiter-labs/fleetbroker/internal/audit"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("not found")

// ErrStateViolation is returned when a transition is not legal from the
// task's current state (spec §7, "State violation").
var ErrStateViolation = errors.New("state violation")

// ErrValidation is returned when caller-supplied data fails a store-level
// constraint (e.g. an identity blob over the 64 KiB cap) that's simpler to
// check here than to push into every caller.
var ErrValidation = errors.New("validation")

// CreateTaskParams describes the inputs to CreateTask (spec §4.1 creation rules).
type CreateTaskParams struct {
	CreatorAgentID  string
	OwnerAgentID    string // if set, task starts pending
	OfferedTo       string // if set (and OwnerAgentID empty), task starts offered
	Description     string
	Source          string
	Type            string
	Tags            []string
	Priority        int
	DependsOn       []string
	EpicID          string
	ParentTaskID    string
	ExternalContext map[string]any
}

// CreateTask inserts a new task row, choosing its initial state per the
// creation rules in spec §4.1:
//   - agentId provided -> pending
//   - else offeredTo provided -> offered (+ offeredAt)
//   - else -> unassigned
//
// If DependsOn is non-empty and any dependency is not yet terminal-completed,
// the task is forced into backlog regardless of the above, and is promoted
// by PromoteReadyBacklogTasks once its dependencies resolve.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, error) {
	if p.Description == "" {
		return nil, fmt.Errorf("create task: description is required")
	}
	if p.Source == "" {
		p.Source = "api"
	}
	if p.Priority == 0 {
		p.Priority = 50
	}
	for _, dep := range p.DependsOn {
		if dep == "" {
			return nil, fmt.Errorf("create task: empty dependsOn id")
		}
	}

	taskID := uuid.NewString()
	tagsJSON, err := json.Marshal(nonNilStrings(p.Tags))
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	depsJSON, err := json.Marshal(nonNilStrings(p.DependsOn))
	if err != nil {
		return nil, fmt.Errorf("marshal dependsOn: %w", err)
	}
	extCtx := p.ExternalContext
	if extCtx == nil {
		extCtx = map[string]any{}
	}
	extJSON, err := json.Marshal(extCtx)
	if err != nil {
		return nil, fmt.Errorf("marshal external context: %w", err)
	}

	var task *Task
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, dep := range p.DependsOn {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?;`, dep).Scan(&exists); err != nil {
				return fmt.Errorf("check dependency %q: %w", dep, err)
			}
			if exists == 0 {
				return fmt.Errorf("create task: dependsOn %q does not exist", dep)
			}
		}

		status := TaskStatusUnassigned
		var offeredAt *time.Time
		switch {
		case len(p.DependsOn) > 0 && !dependenciesResolvedTx(ctx, tx, p.DependsOn):
			status = TaskStatusBacklog
		case p.OwnerAgentID != "":
			status = TaskStatusPending
		case p.OfferedTo != "":
			status = TaskStatusOffered
			now := time.Now().UTC()
			offeredAt = &now
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, owner_agent_id, creator_agent_id, description, status, source, type,
				tags, priority, depends_on, offered_to, offered_at, epic_id, parent_task_id,
				external_context, created_at, last_updated
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, nullIfEmpty(p.OwnerAgentID), p.CreatorAgentID, p.Description, status, p.Source,
			nullIfEmpty(p.Type), string(tagsJSON), p.Priority, string(depsJSON),
			nullIfEmpty(p.OfferedTo), offeredAt, nullIfEmpty(p.EpicID), nullIfEmpty(p.ParentTaskID),
			string(extJSON)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		for _, dep := range p.DependsOn {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_task_id) VALUES (?, ?);
			`, taskID, dep); err != nil {
				return fmt.Errorf("insert task dependency: %w", err)
			}
		}

		if err := s.appendTaskEventTx(ctx, tx, taskID, "", status, "task.created", `{"reason":"create"}`); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create task tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	task, err = s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish("task.created", task)
	}
	return task, nil
}

// dependenciesResolvedTx reports whether every id in deps is a completed task.
func dependenciesResolvedTx(ctx context.Context, tx *sql.Tx, deps []string) bool {
	for _, dep := range deps {
		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, dep).Scan(&status); err != nil {
			return false
		}
		if TaskStatus(status) != TaskStatusCompleted {
			return false
		}
	}
	return true
}

// PromoteReadyBacklogTasks moves backlog tasks whose dependencies have all
// completed into unassigned (spec §4.1, backlog -> unassigned transition).
// Grounded on the teacher coordinator's topoSort/dependency-ready check,
// narrowed to simple dependsOn gating per SPEC_FULL Non-goals.
func (s *Store) PromoteReadyBacklogTasks(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, depends_on FROM tasks WHERE status = ?;`, TaskStatusBacklog)
	if err != nil {
		return 0, fmt.Errorf("list backlog tasks: %w", err)
	}
	type candidate struct {
		id   string
		deps []string
	}
	var candidates []candidate
	for rows.Next() {
		var id, depsJSON string
		if err := rows.Scan(&id, &depsJSON); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan backlog task: %w", err)
		}
		var deps []string
		_ = json.Unmarshal([]byte(depsJSON), &deps)
		candidates = append(candidates, candidate{id: id, deps: deps})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate backlog tasks: %w", err)
	}

	var promoted int64
	for _, c := range candidates {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return promoted, fmt.Errorf("begin promote tx: %w", err)
		}
		if !dependenciesResolvedTx(ctx, tx, c.deps) {
			_ = tx.Rollback()
			continue
		}
		ok, err := s.transitionTaskTx(ctx, tx, c.id, TaskStatusBacklog, TaskStatusUnassigned, "task.promoted", `{"reason":"dependencies_resolved"}`)
		if err != nil {
			_ = tx.Rollback()
			return promoted, err
		}
		if !ok {
			_ = tx.Rollback()
			continue
		}
		if err := tx.Commit(); err != nil {
			return promoted, fmt.Errorf("commit promote tx: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// transitionTaskTx performs a single-row, single-transition update guarded by
// the expected current status, enforcing allowedTransitions. Returns false
// (no error) if the row was not in the expected state when updated — the
// atomic-claim race-detection pattern (spec §4.1, "Atomic claim protocol").
func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payloadJSON string) (bool, error) {
	if !transitionAllowed(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrStateViolation, from, to)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_updated = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
	`, to, taskID, from)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, from, to, eventType, payloadJSON); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payloadJSON string) error {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, payload_json)
		VALUES (?, ?, ?, ?, ?);
	`, taskID, eventType, nullIfEmpty(string(from)), string(to), payloadJSON)
	if err != nil {
		return fmt.Errorf("append task event: %w", err)
	}
	return nil
}

// ClaimUnassignedTask lets agentID race for a pool task (spec §4.1:
// unassigned -> pending). Capacity is checked before the claim but the claim
// itself is re-verified by the affected-row-count check, so two concurrent
// callers racing the same row never both succeed.
func (s *Store) ClaimUnassignedTask(ctx context.Context, taskID, agentID string) (*Task, error) {
	ok, err := s.hasCapacity(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: agent %s at capacity", ErrStateViolation, agentID)
	}

	var claimed bool
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, owner_agent_id = ?, last_updated = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, TaskStatusPending, agentID, taskID, TaskStatusUnassigned)
		if err != nil {
			return fmt.Errorf("claim unassigned task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n == 0 {
			claimed = false
			return tx.Rollback()
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusUnassigned, TaskStatusPending, "task.claimed", fmt.Sprintf(`{"agentId":%q}`, agentID)); err != nil {
			return err
		}
		claimed = true
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: task %s no longer unassigned", ErrStateViolation, taskID)
	}
	return s.GetTask(ctx, taskID)
}

// hasCapacity reports whether an agent's in-progress count is below maxTasks.
func (s *Store) hasCapacity(ctx context.Context, agentID string) (bool, error) {
	var maxTasks int
	if err := s.db.QueryRowContext(ctx, `SELECT max_tasks FROM agents WHERE agent_id = ?;`, agentID).Scan(&maxTasks); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
		}
		return false, fmt.Errorf("read agent capacity: %w", err)
	}
	var activeCount int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE owner_agent_id = ? AND status IN (?, ?);
	`, agentID, TaskStatusPending, TaskStatusInProgress).Scan(&activeCount); err != nil {
		return false, fmt.Errorf("count active tasks: %w", err)
	}
	return activeCount < maxTasks, nil
}

// ResolveOfferedTask claims reviewing access for the agent the task was
// offered to (spec §4.1/§4.2 "task_offered": caller must equal offeredTo).
// This is the atomic claim used by the trigger resolver so two concurrent
// pollers for the same offered task never both receive it.
func (s *Store) ResolveOfferedTask(ctx context.Context, taskID, agentID string) (*Task, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve offer tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, last_updated = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND offered_to = ?;
		`, TaskStatusReviewing, taskID, TaskStatusOffered, agentID)
		if err != nil {
			return fmt.Errorf("resolve offer: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve offer rows affected: %w", err)
		}
		if n == 0 {
			claimed = false
			return tx.Rollback()
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusOffered, TaskStatusReviewing, "task.offer_claimed", "{}"); err != nil {
			return err
		}
		claimed = true
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("%w: task %s not offered to %s", ErrStateViolation, taskID, agentID)
	}
	return s.GetTask(ctx, taskID)
}

// AcceptOfferedTask handles reviewing -> pending (spec §4.1 "accept"),
// requiring the caller to be the offeredTo agent.
func (s *Store) AcceptOfferedTask(ctx context.Context, taskID, agentID string) (*Task, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin accept tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, owner_agent_id = ?, accepted_at = CURRENT_TIMESTAMP, last_updated = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND offered_to = ?;
		`, TaskStatusPending, agentID, taskID, TaskStatusReviewing, agentID)
		if err != nil {
			return fmt.Errorf("accept offer: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("accept offer rows affected: %w", err)
		}
		if n == 0 {
			ok = false
			return tx.Rollback()
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusReviewing, TaskStatusPending, "task.accepted", "{}"); err != nil {
			return err
		}
		ok = true
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s not reviewing by %s", ErrStateViolation, taskID, agentID)
	}
	return s.GetTask(ctx, taskID)
}

// RejectOfferedTask handles reviewing -> unassigned|failed (spec §4.1 "reject"),
// requiring the caller to be the offeredTo agent.
func (s *Store) RejectOfferedTask(ctx context.Context, taskID, agentID, reason string, dropToFailed bool) (*Task, error) {
	to := TaskStatusUnassigned
	if dropToFailed {
		to = TaskStatusFailed
	}
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reject tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, rejection_reason = ?, offered_to = NULL, last_updated = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND offered_to = ?;
		`, to, reason, taskID, TaskStatusReviewing, agentID)
		if err != nil {
			return fmt.Errorf("reject offer: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reject offer rows affected: %w", err)
		}
		if n == 0 {
			ok = false
			return tx.Rollback()
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusReviewing, to, "task.rejected", fmt.Sprintf(`{"reason":%q}`, reason)); err != nil {
			return err
		}
		ok = true
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s not reviewing by %s", ErrStateViolation, taskID, agentID)
	}
	return s.GetTask(ctx, taskID)
}

// transitionOwnedTx is a thin transaction wrapper matching transitionTaskTx,
// used by handlers that only need a single transition (not a combined claim).
func (s *Store) transitionOwnedTx(ctx context.Context, taskID string, from, to TaskStatus, byAgent, eventType, payloadJSON string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		ok, err = s.transitionTaskTx(ctx, tx, taskID, from, to, eventType, payloadJSON)
		if err != nil {
			return err
		}
		if !ok {
			return tx.Rollback()
		}
		return tx.Commit()
	})
	return ok, err
}

// DispatchPendingTask moves pending -> in_progress (spec §4.1 "dispatch"),
// enforcing the per-agent concurrency cap.
func (s *Store) DispatchPendingTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != TaskStatusPending {
		return nil, fmt.Errorf("%w: task %s is %s, want pending", ErrStateViolation, taskID, task.Status)
	}
	ok, err := s.hasCapacity(ctx, task.OwnerAgentID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: agent %s at capacity", ErrStateViolation, task.OwnerAgentID)
	}
	ok, err = s.transitionOwnedTx(ctx, taskID, TaskStatusPending, TaskStatusInProgress, task.OwnerAgentID, "task.dispatched", "{}")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s no longer pending", ErrStateViolation, taskID)
	}
	if err := s.recomputeAgentStatus(ctx, task.OwnerAgentID); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

// FinishResult reports whether Finish found the task already terminal.
type FinishResult struct {
	Task            *Task
	AlreadyFinished bool
}

// FinishTask implements the idempotent "finish" operation (spec §4.1,
// "Completion semantics"): calling it on an already-terminal task is
// accepted and reports AlreadyFinished without changing state.
func (s *Store) FinishTask(ctx context.Context, taskID, status, output, failureReason string) (FinishResult, error) {
	to := TaskStatus(status)
	if to != TaskStatusCompleted && to != TaskStatusFailed {
		return FinishResult{}, fmt.Errorf("finish: status must be completed or failed, got %q", status)
	}

	var result FinishResult
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finish tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Task
		if err := scanTaskRow(tx.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, taskID), &current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
			}
			return fmt.Errorf("read task for finish: %w", err)
		}
		if current.Status.IsTerminal() {
			result = FinishResult{Task: &current, AlreadyFinished: true}
			return tx.Rollback()
		}

		ok, err := s.transitionTaskTx(ctx, tx, taskID, current.Status, to, "task.finished", fmt.Sprintf(`{"status":%q}`, status))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: task %s no longer %s", ErrStateViolation, taskID, current.Status)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET output = ?, failure_reason = ?, finished_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, nullIfEmpty(output), nullIfEmpty(failureReason), taskID); err != nil {
			return fmt.Errorf("record finish fields: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finish tx: %w", err)
		}
		current.Status = to
		current.Output = output
		current.FailureReason = failureReason
		result = FinishResult{Task: &current, AlreadyFinished: false}
		return nil
	})
	if err != nil {
		return FinishResult{}, err
	}
	if !result.AlreadyFinished && result.Task.OwnerAgentID != "" {
		if err := s.recomputeAgentStatus(ctx, result.Task.OwnerAgentID); err != nil {
			return result, err
		}
	}
	if s.bus != nil {
		s.bus.Publish("task.finished", result.Task)
	}
	return result, nil
}

// PauseTask implements in_progress -> paused, preserving progress verbatim.
func (s *Store) PauseTask(ctx context.Context, taskID, progress string) (*Task, error) {
	ok, err := s.transitionOwnedTx(ctx, taskID, TaskStatusInProgress, TaskStatusPaused, "", "task.paused", "{}")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s is not in_progress", ErrStateViolation, taskID)
	}
	if progress != "" {
		if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET progress = ? WHERE id = ?;`, progress, taskID); err != nil {
			return nil, fmt.Errorf("save progress on pause: %w", err)
		}
	}
	return s.GetTask(ctx, taskID)
}

// ResumeTask implements paused -> in_progress.
func (s *Store) ResumeTask(ctx context.Context, taskID string) (*Task, error) {
	ok, err := s.transitionOwnedTx(ctx, taskID, TaskStatusPaused, TaskStatusInProgress, "", "task.resumed", "{}")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s is not paused", ErrStateViolation, taskID)
	}
	return s.GetTask(ctx, taskID)
}

// CancelTask cancels a non-terminal task regardless of its current state.
func (s *Store) CancelTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task %s already terminal (%s)", ErrStateViolation, taskID, task.Status)
	}
	ok, err := s.transitionOwnedTx(ctx, taskID, task.Status, TaskStatusCancelled, "", "task.cancelled", "{}")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s changed state concurrently", ErrStateViolation, taskID)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET finished_at = CURRENT_TIMESTAMP WHERE id = ?;`, taskID); err != nil {
		return nil, fmt.Errorf("mark cancelled finish time: %w", err)
	}
	if task.OwnerAgentID != "" {
		if err := s.recomputeAgentStatus(ctx, task.OwnerAgentID); err != nil {
			return nil, err
		}
	}
	return s.GetTask(ctx, taskID)
}

// recomputeAgentStatus sets an agent's status to busy/idle from its
// remaining in_progress count (spec §4.1, "On transition to terminal...").
func (s *Store) recomputeAgentStatus(ctx context.Context, agentID string) error {
	if agentID == "" {
		return nil
	}
	var inProgress int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE owner_agent_id = ? AND status = ?;
	`, agentID, TaskStatusInProgress).Scan(&inProgress); err != nil {
		return fmt.Errorf("count in-progress for agent: %w", err)
	}
	status := "idle"
	if inProgress > 0 {
		status = "busy"
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, status, agentID); err != nil {
		return fmt.Errorf("recompute agent status: %w", err)
	}
	return nil
}

const taskSelectColumns = `SELECT id, COALESCE(owner_agent_id, ''), creator_agent_id, description, status, source,
	COALESCE(type, ''), tags, priority, depends_on, COALESCE(offered_to, ''), offered_at, accepted_at,
	COALESCE(rejection_reason, ''), COALESCE(epic_id, ''), COALESCE(parent_task_id, ''),
	COALESCE(claude_session_id, ''), external_context, COALESCE(output, ''), COALESCE(failure_reason, ''),
	COALESCE(progress, ''), created_at, last_updated, finished_at, notified_at`

func scanTaskRow(row *sql.Row, t *Task) error {
	return row.Scan(&t.ID, &t.OwnerAgentID, &t.CreatorAgentID, &t.Description, &t.Status, &t.Source,
		&t.Type, &t.Tags, &t.Priority, &t.DependsOn, &t.OfferedTo, &t.OfferedAt, &t.AcceptedAt,
		&t.RejectionReason, &t.EpicID, &t.ParentTaskID, &t.ClaudeSessionID, &t.ExternalContext,
		&t.Output, &t.FailureReason, &t.Progress, &t.CreatedAt, &t.LastUpdated, &t.FinishedAt, &t.NotifiedAt)
}

func scanTaskRows(rows *sql.Rows, t *Task) error {
	return rows.Scan(&t.ID, &t.OwnerAgentID, &t.CreatorAgentID, &t.Description, &t.Status, &t.Source,
		&t.Type, &t.Tags, &t.Priority, &t.DependsOn, &t.OfferedTo, &t.OfferedAt, &t.AcceptedAt,
		&t.RejectionReason, &t.EpicID, &t.ParentTaskID, &t.ClaudeSessionID, &t.ExternalContext,
		&t.Output, &t.FailureReason, &t.Progress, &t.CreatedAt, &t.LastUpdated, &t.FinishedAt, &t.NotifiedAt)
}

// GetTask returns a task by id, or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTaskRow(row, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// ListPausedTasks returns paused tasks owned by agentID (spec §6,
// GET /api/paused-tasks, owner-scoped).
func (s *Store) ListPausedTasks(ctx context.Context, agentID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE owner_agent_id = ? AND status = ? ORDER BY created_at ASC;`, agentID, TaskStatusPaused)
	if err != nil {
		return nil, fmt.Errorf("list paused tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTaskRows(rows, &t); err != nil {
			return nil, fmt.Errorf("scan paused task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListCancelledForHook returns cancelled tasks matching taskID for the
// in-child cooperative-cancellation hook (spec §6, GET /cancelled-tasks).
func (s *Store) ListCancelledForHook(ctx context.Context, taskID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE status = ? AND (? = '' OR id = ?) ORDER BY last_updated DESC LIMIT 50;`, TaskStatusCancelled, taskID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list cancelled tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTaskRows(rows, &t); err != nil {
			return nil, fmt.Errorf("scan cancelled task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTasksByEpic returns all tasks referencing epicID, used for progress computation.
func (s *Store) ListTasksByEpic(ctx context.Context, epicID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectColumns+` FROM tasks WHERE epic_id = ? ORDER BY created_at ASC;`, epicID)
	if err != nil {
		return nil, fmt.Errorf("list epic tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTaskRows(rows, &t); err != nil {
			return nil, fmt.Errorf("scan epic task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskFilter narrows ListTasks results; zero-value fields are not filtered on.
type TaskFilter struct {
	Status       TaskStatus
	OwnerAgentID string
	EpicID       string
	Limit        int
}

// ListTasks returns tasks matching filter, most recently created first
// (spec §6, GET /api/tasks query params).
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	query := taskSelectColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.OwnerAgentID != "" {
		query += ` AND owner_agent_id = ?`
		args = append(args, filter.OwnerAgentID)
	}
	if filter.EpicID != "" {
		query += ` AND epic_id = ?`
		args = append(args, filter.EpicID)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTaskRows(rows, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SweepStaleTasks reclaims in_progress tasks whose owning agent has not
// pinged within leaseDuration: each is finished as failed (spec §12
// supplemented lease sweep; config.LeaseDurationSeconds bounds how long a
// dispatched task may run before a silent/crashed agent's work is reclaimed).
// Grounded on FinishTask's idempotent terminal transition and the teacher's
// heartbeat-interval reclaim pattern.
func (s *Store) SweepStaleTasks(ctx context.Context, leaseDuration time.Duration) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id FROM tasks t
		JOIN agents a ON a.agent_id = t.owner_agent_id
		WHERE t.status = ? AND a.last_seen_at < ?;
	`, TaskStatusInProgress, time.Now().Add(-leaseDuration))
	if err != nil {
		return 0, fmt.Errorf("sweep stale tasks: query: %w", err)
	}
	var staleIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sweep stale tasks: scan: %w", err)
		}
		staleIDs = append(staleIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("sweep stale tasks: iterate: %w", err)
	}
	rows.Close()

	reclaimed := 0
	for _, id := range staleIDs {
		result, err := s.FinishTask(ctx, id, string(TaskStatusFailed), "", "lease expired: owning agent stopped pinging")
		if err != nil {
			return reclaimed, fmt.Errorf("sweep stale tasks: finish %s: %w", id, err)
		}
		if !result.AlreadyFinished {
			reclaimed++
			audit.Record("lease_reclaim", "grant", "owning agent stopped pinging", id)
		}
	}
	return reclaimed, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilStrings(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
