package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/orbiter-labs/fleetbroker/internal/sandbox"
)

// spawnDockerChild runs a task's command inside an ephemeral container via
// backend instead of exec.CommandContext, for SandboxConfig.Backend ==
// "docker" (spec §12 supplemented sandboxed execution). The prompt is
// staged as a file in the container's bind-mounted workspace rather than
// piped over stdin, since DockerBackend.Run has no stdin of its own.
//
// sandbox.DockerBackend.Run blocks until the container exits and returns
// combined stdout/stderr rather than a live stream, so (unlike spawnChild)
// there is no incremental drainStream: logs are batched and the result
// line parsed after the fact, once the container is done.
func spawnDockerChild(ctx context.Context, backend *sandbox.DockerBackend, taskID, sessionID, command, prompt string, client *Client, logger *slog.Logger) (*childProc, error) {
	workspaceDir, err := os.MkdirTemp("", "fleetbroker-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("create sandbox workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspaceDir, "prompt.txt"), []byte(prompt), 0o644); err != nil {
		_ = os.RemoveAll(workspaceDir)
		return nil, fmt.Errorf("write sandbox prompt: %w", err)
	}

	childCtx, cancel := context.WithCancel(ctx)
	c := &childProc{
		taskID:    taskID,
		sessionID: sessionID,
		cancel:    cancel,
		logger:    logger,
		client:    client,
		done:      make(chan struct{}),
	}

	go func() {
		defer cancel()
		defer os.RemoveAll(workspaceDir)

		stdout, stderr, exitCode, err := backend.Run(childCtx, command, workspaceDir)
		if err != nil {
			logger.Error("sandbox run failed", "task_id", taskID, "error", err)
			exitCode = -1
		}

		flushSandboxOutput(childCtx, c, "stdout", stdout, true)
		flushSandboxOutput(childCtx, c, "stderr", stderr, false)

		c.mu.Lock()
		c.exitCode = exitCode
		c.mu.Unlock()
		close(c.done)
	}()

	return c, nil
}

// flushSandboxOutput posts a container's combined output to the broker's
// session-logs endpoint in batches no larger than flushThreshold, matching
// the streaming child's batch size even though it all arrives at once.
func flushSandboxOutput(ctx context.Context, c *childProc, stream, output string, inspectResult bool) {
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return
	}
	lines := strings.Split(output, "\n")
	for start := 0; start < len(lines); start += flushThreshold {
		end := start + flushThreshold
		if end > len(lines) {
			end = len(lines)
		}
		batch := lines[start:end]
		if inspectResult {
			for _, line := range batch {
				c.maybeRecordProgress(line)
				c.maybeRecordResult(ctx, line)
			}
		}
		if err := c.client.AppendSessionLogs(ctx, c.sessionID, c.taskID, stream, batch); err != nil {
			c.logger.Warn("flush sandbox session logs failed", "task_id", c.taskID, "stream", stream, "error", err)
		}
	}
}
