package persistence

import (
	"context"
	"testing"
	"time"
)

func TestSweepStaleTasksReclaimsSilentAgentWork(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustRegisterAgent(t, s, "agent-stale", "worker", 1)

	task, err := s.CreateTask(ctx, CreateTaskParams{
		CreatorAgentID: "lead", OwnerAgentID: "agent-stale", Description: "long running task",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.DispatchPendingTask(ctx, task.ID); err != nil {
		t.Fatalf("dispatch task: %v", err)
	}

	// Backdate the agent's last_seen_at past the lease window.
	if _, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = ? WHERE agent_id = ?;`,
		time.Now().Add(-time.Hour), "agent-stale"); err != nil {
		t.Fatalf("backdate last_seen_at: %v", err)
	}

	reclaimed, err := s.SweepStaleTasks(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("sweep stale tasks: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed task, got %d", reclaimed)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != TaskStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.FailureReason == "" {
		t.Fatalf("expected a failure reason to be set")
	}
}

func TestSweepStaleTasksLeavesFreshAgentWorkAlone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustRegisterAgent(t, s, "agent-fresh", "worker", 1)

	task, err := s.CreateTask(ctx, CreateTaskParams{
		CreatorAgentID: "lead", OwnerAgentID: "agent-fresh", Description: "in-flight task",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.DispatchPendingTask(ctx, task.ID); err != nil {
		t.Fatalf("dispatch task: %v", err)
	}

	reclaimed, err := s.SweepStaleTasks(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("sweep stale tasks: %v", err)
	}
	if reclaimed != 0 {
		t.Fatalf("expected 0 reclaimed tasks for a fresh agent, got %d", reclaimed)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != TaskStatusInProgress {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
}
