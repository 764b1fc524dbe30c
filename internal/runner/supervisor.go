package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/config"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
	"github.com/orbiter-labs/fleetbroker/internal/sandbox"
)

// Config wires a Supervisor's dependencies (spec §4.3).
type Config struct {
	Client   *Client
	AgentID  string
	Name     string
	Role     string // lead|worker
	MaxTasks int

	// Command/BaseArgs launch the agent CLI; the prompt is appended via
	// stdin (exact invocation is out of spec scope).
	Command  string
	BaseArgs []string

	// Sandbox selects how a task's command is executed: direct exec
	// (Backend == "" or "none") or an ephemeral Docker container (spec §12
	// supplemented sandboxed execution).
	Sandbox config.SandboxConfig

	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// Supervisor is the single cooperatively-scheduled process per agent that
// polls the broker and owns child processes (spec §4.3).
type Supervisor struct {
	cfg     Config
	sandbox *sandbox.DockerBackend // nil unless cfg.Sandbox.Backend == "docker"

	mu       sync.Mutex
	children map[string]*childProc // taskID -> child
}

// New constructs a runner supervisor. When cfg.Sandbox.Backend is "docker"
// it dials the local Docker daemon up front, so a misconfigured sandbox
// fails at startup rather than on the first task.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	sup := &Supervisor{cfg: cfg, children: make(map[string]*childProc)}
	if cfg.Sandbox.Backend == "docker" {
		backend, err := sandbox.NewDockerBackend(cfg.Sandbox)
		if err != nil {
			return nil, fmt.Errorf("init docker sandbox: %w", err)
		}
		sup.sandbox = backend
	}
	return sup, nil
}

// Run is the supervisor's main loop: register, resume sweep, then poll
// forever until ctx is cancelled, at which point it drains gracefully
// (spec §4.3 lifecycle).
func (s *Supervisor) Run(ctx context.Context) error {
	if _, err := s.cfg.Client.RegisterAgent(ctx, s.cfg.Name, s.cfg.Role, s.cfg.MaxTasks); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	s.cfg.Logger.Info("runner registered", "agent_id", s.cfg.AgentID, "role", s.cfg.Role)

	if err := s.resumeSweep(ctx); err != nil {
		s.cfg.Logger.Warn("resume sweep failed", "error", err)
	}

	s.pollLoop(ctx)
	s.shutdown()
	return nil
}

// resumeSweep transitions this agent's paused tasks back to in_progress
// and respawns their children before normal polling begins (spec §4.3
// step 2, priority over normal polling).
func (s *Supervisor) resumeSweep(ctx context.Context) error {
	paused, err := s.cfg.Client.ListPausedTasks(ctx)
	if err != nil {
		return fmt.Errorf("list paused tasks: %w", err)
	}
	for _, task := range paused {
		if s.activeCount() >= s.cfg.MaxTasks {
			break
		}
		resumed, err := s.cfg.Client.Resume(ctx, task.ID)
		if err != nil {
			s.cfg.Logger.Warn("resume task failed", "task_id", task.ID, "error", err)
			continue
		}
		s.spawnForTask(ctx, resumed, resumePrompt(resumed))
	}
	return nil
}

// pollLoop is step 3 of spec §4.3: ping, reap exited children, then
// long-poll for a trigger with an occupancy-adapted timeout when there is
// spare capacity.
func (s *Supervisor) pollLoop(ctx context.Context) {
	isLead := s.cfg.Role == "lead"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.cfg.Client.Ping(ctx); err != nil {
			s.cfg.Logger.Warn("ping failed", "error", err)
		}
		s.reapExited(ctx)

		active := s.activeCount()
		if active >= s.cfg.MaxTasks {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		pollCtx, cancel := context.WithTimeout(ctx, pollTimeout(active, s.cfg.MaxTasks))
		trigger, err := s.cfg.Client.Poll(pollCtx, isLead)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.cfg.Logger.Warn("poll failed", "error", err)
			continue
		}
		if trigger == nil {
			continue
		}
		s.handleTrigger(ctx, trigger)
	}
}

// handleTrigger dispatches on the trigger envelope (spec §4.2's priority
// order already enforced server-side; here we just act on whatever came
// back).
func (s *Supervisor) handleTrigger(ctx context.Context, trigger *persistence.Trigger) {
	switch trigger.Type {
	case "task_offered", "task_assigned":
		if trigger.Task == nil {
			return
		}
		s.spawnForTask(ctx, trigger.Task, taskPrompt(trigger.Task))
	default:
		// unread_mentions / pool_tasks_available / slack_inbox_message /
		// epic_progress_changed carry no task to spawn directly; the
		// persona/prompt layer that decides what to do with them is out
		// of scope here (spec §4.3 step 1, "assemble a persona prompt
		// (out of scope)").
		s.cfg.Logger.Info("trigger received", "type", trigger.Type)
	}
}

func (s *Supervisor) spawnForTask(ctx context.Context, task *persistence.Task, prompt string) {
	sessionID := task.ID + ":" + time.Now().UTC().Format("20060102T150405")

	var child *childProc
	var err error
	if s.sandbox != nil {
		child, err = spawnDockerChild(ctx, s.sandbox, task.ID, sessionID, s.cfg.Command, prompt, s.cfg.Client, s.cfg.Logger)
	} else {
		child, err = spawnChild(ctx, task.ID, sessionID, s.cfg.Command, s.cfg.BaseArgs, prompt, s.cfg.Client, s.cfg.Logger)
	}
	if err != nil {
		s.cfg.Logger.Error("spawn child failed", "task_id", task.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.children[task.ID] = child
	s.mu.Unlock()
}

func (s *Supervisor) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// reapExited scores each exited child completed/failed by its exit code
// (spec §4.3 step 3: "each scored completed/failed by exit code, catching
// alreadyFinished as success").
func (s *Supervisor) reapExited(ctx context.Context) {
	s.mu.Lock()
	var exited []*childProc
	for taskID, child := range s.children {
		select {
		case <-child.done:
			exited = append(exited, child)
			delete(s.children, taskID)
		default:
		}
	}
	s.mu.Unlock()

	for _, child := range exited {
		child.mu.Lock()
		code := child.exitCode
		child.mu.Unlock()
		s.finishChild(ctx, child, code)
	}
}

func (s *Supervisor) finishChild(ctx context.Context, child *childProc, exitCode int) {
	status := string(persistence.TaskStatusCompleted)
	failureReason := ""
	if exitCode != 0 {
		status = string(persistence.TaskStatusFailed)
		failureReason = fmt.Sprintf("child exited with code %d", exitCode)
	}
	result, err := s.cfg.Client.Finish(ctx, child.taskID, status, child.Progress(), failureReason)
	if err != nil {
		s.cfg.Logger.Error("finish task failed", "task_id", child.taskID, "error", err)
		return
	}
	if result.AlreadyFinished {
		s.cfg.Logger.Info("task already finished (cancelled mid-flight)", "task_id", child.taskID)
	}
}

// shutdown implements spec §4.3's graceful shutdown: wait up to
// ShutdownTimeout for active children, then terminate stragglers and
// pause their tasks, then close the agent.
func (s *Supervisor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	for time.Now().Before(deadline) && s.activeCount() > 0 {
		s.reapExited(ctx)
		time.Sleep(200 * time.Millisecond)
	}

	s.mu.Lock()
	remaining := make([]*childProc, 0, len(s.children))
	for _, child := range s.children {
		remaining = append(remaining, child)
	}
	s.mu.Unlock()

	for _, child := range remaining {
		child.terminate()
		if err := s.cfg.Client.Pause(ctx, child.taskID, child.Progress()); err != nil {
			s.cfg.Logger.Warn("pause on shutdown failed, finishing as failed", "task_id", child.taskID, "error", err)
			_, _ = s.cfg.Client.Finish(ctx, child.taskID, string(persistence.TaskStatusFailed), child.Progress(), "terminated during shutdown")
		}
	}

	if err := s.cfg.Client.Close(ctx); err != nil {
		s.cfg.Logger.Warn("close agent failed", "error", err)
	}

	if s.sandbox != nil {
		if err := s.sandbox.Close(); err != nil {
			s.cfg.Logger.Warn("close sandbox backend failed", "error", err)
		}
	}
}

func taskPrompt(task *persistence.Task) string {
	return task.Description
}

func resumePrompt(task *persistence.Task) string {
	return fmt.Sprintf("Resuming task %q. Prior progress:\n%s", task.Description, task.Progress)
}
