package cron_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/config"
	"github.com/orbiter-labs/fleetbroker/internal/cron"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses, avoiding fixed sleeps that make the test flaky.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "fleetbroker.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSchedulerFiresEveryTick(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sched := cron.NewScheduler(cron.Config{
		Store: store,
		Schedule: []config.CronScheduleConfig{
			{Name: "daily-report", Expr: "* * * * *", AgentID: "agent-report", Description: "generate daily report", Priority: 5},
		},
		Logger:   slog.Default(),
		Interval: 20 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool {
		tasks, err := store.ListTasks(ctx, persistence.TaskFilter{OwnerAgentID: "agent-report"})
		return err == nil && len(tasks) > 0
	})

	tasks, err := store.ListTasks(ctx, persistence.TaskFilter{OwnerAgentID: "agent-report"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if tasks[0].Source != "scheduled" {
		t.Fatalf("expected source=scheduled, got %s", tasks[0].Source)
	}
	if tasks[0].Priority != 5 {
		t.Fatalf("expected priority=5, got %d", tasks[0].Priority)
	}
}

func TestSchedulerSkipsInvalidExpression(t *testing.T) {
	store := openTestStore(t)

	sched := cron.NewScheduler(cron.Config{
		Store: store,
		Schedule: []config.CronScheduleConfig{
			{Name: "broken", Expr: "not-a-cron-expr", AgentID: "agent-x"},
		},
		Logger:   slog.Default(),
		Interval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sched.Start(ctx)
	<-ctx.Done()
	sched.Stop()

	tasks, err := store.ListTasks(context.Background(), persistence.TaskFilter{OwnerAgentID: "agent-x"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected 0 tasks for an invalid schedule, got %d", len(tasks))
	}
}

func TestSchedulerDoesNotDoubleFireWithinSameMinute(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sched := cron.NewScheduler(cron.Config{
		Store: store,
		Schedule: []config.CronScheduleConfig{
			{Name: "hourly", Expr: "0 * * * *", AgentID: "agent-hourly"},
		},
		Logger:   slog.Default(),
		Interval: 10 * time.Millisecond,
	})
	sched.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	sched.Stop()

	tasks, err := store.ListTasks(ctx, persistence.TaskFilter{OwnerAgentID: "agent-hourly"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) > 1 {
		t.Fatalf("expected at most 1 fire within the polling window, got %d", len(tasks))
	}
}

func TestNextRunTime(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 15, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 9 * * *", now)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("expected next run at 09:00, got %v", next)
	}
	if !next.After(now) {
		t.Fatalf("expected next run to be after now (%v), got %v", now, next)
	}
}
