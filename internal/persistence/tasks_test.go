package persistence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "broker.db")
	store, err := Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustRegisterAgent(t *testing.T, s *Store, id, role string, maxTasks int) {
	t.Helper()
	if _, err := s.RegisterAgent(context.Background(), RegisterAgentParams{
		AgentID: id, Name: id, Role: role, MaxTasks: maxTasks,
	}); err != nil {
		t.Fatalf("register agent %s: %v", id, err)
	}
}

// TestOfferedTaskRaceExactlyOneWins mirrors spec §7 scenario 1: two
// concurrent pollers for the same offered task, exactly one receives it.
func TestOfferedTaskRaceExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustRegisterAgent(t, s, "agent-a", "worker", 2)

	task, err := s.CreateTask(ctx, CreateTaskParams{
		CreatorAgentID: "lead", OfferedTo: "agent-a", Description: "investigate incident",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != TaskStatusOffered {
		t.Fatalf("expected offered, got %s", task.Status)
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ResolveOfferedTask(ctx, task.ID, "agent-a")
			results[i] = err
		}()
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one winner, got %d (errs=%v)", successes, results)
	}

	final, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != TaskStatusReviewing {
		t.Fatalf("expected reviewing, got %s", final.Status)
	}
}

// TestCapacityEnforcement mirrors spec §7 scenario 2.
func TestCapacityEnforcement(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustRegisterAgent(t, s, "worker-w", "worker", 2)

	var inProgress []*Task
	for i := 0; i < 2; i++ {
		task, err := s.CreateTask(ctx, CreateTaskParams{
			CreatorAgentID: "lead", OwnerAgentID: "worker-w", Description: "task in flight",
		})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		dispatched, err := s.DispatchPendingTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("dispatch task: %v", err)
		}
		inProgress = append(inProgress, dispatched)
	}

	third, err := s.CreateTask(ctx, CreateTaskParams{
		CreatorAgentID: "lead", OwnerAgentID: "worker-w", Description: "third task",
	})
	if err != nil {
		t.Fatalf("create third task: %v", err)
	}

	trig, err := s.ResolveTrigger(ctx, "worker-w", false)
	if err != nil {
		t.Fatalf("resolve trigger: %v", err)
	}
	if trig != nil && trig.Type == "task_assigned" {
		t.Fatalf("expected no task_assigned while at capacity, got %+v", trig)
	}

	if _, err := s.FinishTask(ctx, inProgress[0].ID, "completed", "done", ""); err != nil {
		t.Fatalf("finish task: %v", err)
	}

	trig, err = s.ResolveTrigger(ctx, "worker-w", false)
	if err != nil {
		t.Fatalf("resolve trigger after capacity freed: %v", err)
	}
	if trig == nil || trig.Type != "task_assigned" || trig.TaskID != third.ID {
		t.Fatalf("expected task_assigned for %s, got %+v", third.ID, trig)
	}
}

// TestFinishIdempotence mirrors spec §7 scenario 5.
func TestFinishIdempotence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustRegisterAgent(t, s, "worker-x", "worker", 1)

	task, err := s.CreateTask(ctx, CreateTaskParams{
		CreatorAgentID: "lead", OwnerAgentID: "worker-x", Description: "ship it",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.DispatchPendingTask(ctx, task.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	res, err := s.FinishTask(ctx, task.ID, "completed", "ok", "")
	if err != nil {
		t.Fatalf("finish completed: %v", err)
	}
	if res.AlreadyFinished {
		t.Fatalf("expected first finish to not be already-finished")
	}

	res2, err := s.FinishTask(ctx, task.ID, "failed", "", "x")
	if err != nil {
		t.Fatalf("finish failed (idempotent call): %v", err)
	}
	if !res2.AlreadyFinished {
		t.Fatalf("expected second finish to report alreadyFinished")
	}

	final, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != TaskStatusCompleted || final.Output != "ok" {
		t.Fatalf("expected status=completed output=ok, got status=%s output=%q", final.Status, final.Output)
	}
}

// TestPauseResumePreservesProgress mirrors spec §7, pause/resume invariant.
func TestPauseResumePreservesProgress(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustRegisterAgent(t, s, "worker-p", "worker", 1)

	task, err := s.CreateTask(ctx, CreateTaskParams{
		CreatorAgentID: "lead", OwnerAgentID: "worker-p", Description: "long running job",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.DispatchPendingTask(ctx, task.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if _, err := s.PauseTask(ctx, task.ID, "50% done, step 3 of 6"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	resumed, err := s.ResumeTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != TaskStatusInProgress {
		t.Fatalf("expected in_progress after resume, got %s", resumed.Status)
	}
	if resumed.Progress != "50% done, step 3 of 6" {
		t.Fatalf("progress not preserved verbatim: %q", resumed.Progress)
	}
}

// TestBacklogPromotionOnDependencyResolution exercises the dependsOn gating
// helper adapted from the teacher's coordinator topoSort.
func TestBacklogPromotionOnDependencyResolution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustRegisterAgent(t, s, "worker-d", "worker", 1)

	dep, err := s.CreateTask(ctx, CreateTaskParams{CreatorAgentID: "lead", Description: "prerequisite"})
	if err != nil {
		t.Fatalf("create dep task: %v", err)
	}
	blocked, err := s.CreateTask(ctx, CreateTaskParams{
		CreatorAgentID: "lead", Description: "blocked task", DependsOn: []string{dep.ID},
	})
	if err != nil {
		t.Fatalf("create blocked task: %v", err)
	}
	if blocked.Status != TaskStatusBacklog {
		t.Fatalf("expected backlog, got %s", blocked.Status)
	}

	if _, err := s.ClaimUnassignedTask(ctx, dep.ID, "worker-d"); err != nil {
		t.Fatalf("claim dep: %v", err)
	}
	if _, err := s.DispatchPendingTask(ctx, dep.ID); err != nil {
		t.Fatalf("dispatch dep: %v", err)
	}
	if _, err := s.FinishTask(ctx, dep.ID, "completed", "done", ""); err != nil {
		t.Fatalf("finish dep: %v", err)
	}

	promoted, err := s.PromoteReadyBacklogTasks(ctx)
	if err != nil {
		t.Fatalf("promote backlog: %v", err)
	}
	if promoted != 1 {
		t.Fatalf("expected 1 promotion, got %d", promoted)
	}
	final, err := s.GetTask(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("get blocked task: %v", err)
	}
	if final.Status != TaskStatusUnassigned {
		t.Fatalf("expected unassigned after dependency resolved, got %s", final.Status)
	}
}
