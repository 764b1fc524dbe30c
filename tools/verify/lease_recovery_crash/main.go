// Command lease_recovery_crash is a human-runnable counterpart to
// internal/persistence's SweepStaleTasks unit tests: it dispatches a task to
// an agent, simulates that agent going silent past its lease, runs a sweep,
// and asserts the task is reclaimed as failed exactly once (spec §12
// supplemented lease sweep). Grounded on tools/verify/broker_claim_race's
// plain KEY=value / VERDICT output style.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

const agentID = "lease-crash-agent"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (lease_recovery_crash)")
}

func run() error {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "fleetbroker-lease-crash-*")
	if err != nil {
		return fmt.Errorf("mktemp: %w", err)
	}
	defer os.RemoveAll(dir)

	store, err := persistence.Open(filepath.Join(dir, "fleetbroker.db"), nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if _, err := store.RegisterAgent(ctx, persistence.RegisterAgentParams{
		AgentID: agentID, Name: agentID, Role: "worker", MaxTasks: 1,
	}); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	task, err := store.CreateTask(ctx, persistence.CreateTaskParams{
		CreatorAgentID: "lead", OwnerAgentID: agentID, Description: "lease-crash fixture",
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	fmt.Printf("TASK_ID=%s\n", task.ID)

	if _, err := store.DispatchPendingTask(ctx, task.ID); err != nil {
		return fmt.Errorf("dispatch task: %w", err)
	}
	fmt.Println("TASK_STATUS=in_progress")

	// Simulate the owning agent going silent: backdate its last heartbeat
	// past any sane lease duration.
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE agents SET last_seen_at = ? WHERE agent_id = ?;`,
		time.Now().Add(-1*time.Hour), agentID,
	); err != nil {
		return fmt.Errorf("backdate last_seen_at: %w", err)
	}

	leaseDuration := 30 * time.Second
	reclaimed, err := store.SweepStaleTasks(ctx, leaseDuration)
	if err != nil {
		return fmt.Errorf("sweep stale tasks: %w", err)
	}
	fmt.Printf("RECLAIMED=%d\n", reclaimed)
	if reclaimed != 1 {
		return fmt.Errorf("expected exactly 1 reclaimed task, got %d", reclaimed)
	}

	finished, err := store.GetTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	fmt.Printf("TASK_STATUS=%s reason=%q\n", finished.Status, finished.FailureReason)
	if finished.Status != persistence.TaskStatusFailed {
		return fmt.Errorf("expected failed, got %s", finished.Status)
	}

	// A second sweep must be a no-op: the task is already terminal.
	reclaimedAgain, err := store.SweepStaleTasks(ctx, leaseDuration)
	if err != nil {
		return fmt.Errorf("second sweep: %w", err)
	}
	fmt.Printf("RECLAIMED_SECOND_PASS=%d\n", reclaimedAgain)
	if reclaimedAgain != 0 {
		return fmt.Errorf("expected second sweep to reclaim 0, got %d", reclaimedAgain)
	}

	return nil
}
