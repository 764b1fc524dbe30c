// Package sandbox selects and runs the execution backend a runner uses to
// host a task's child process, per SPEC_FULL §12 (supplemented sandboxed
// execution; spec.md's non-goals exclude a full sandbox API but not the
// ambient need to isolate what a spawned child can touch).
package sandbox

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/orbiter-labs/fleetbroker/internal/config"
)

// DockerBackend runs a task's command in an ephemeral, resource-bounded
// container instead of directly on the runner host. Grounded on the
// teacher's internal/tools/docker.go DockerSandbox, adapted from an
// LLM shell-tool backend to a task-execution backend (one container per
// task invocation rather than per tool call).
type DockerBackend struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
}

// NewDockerBackend builds a backend from SandboxConfig (spec §12).
func NewDockerBackend(cfg config.SandboxConfig) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	image := cfg.DockerImage
	if image == "" {
		image = "golang:alpine"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	network := cfg.Network
	if network == "" {
		network = "none"
	}

	return &DockerBackend{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: network,
	}, nil
}

// Run executes command in a fresh container bind-mounting workspaceDir at
// /workspace, and returns its combined output and exit code. The task's
// prompt is delivered via command (e.g. a wrapper script reading it from an
// env var or file already staged into workspaceDir).
func (d *DockerBackend) Run(ctx context.Context, command, workspaceDir string) (stdout, stderr string, exitCode int, err error) {
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources:   container.Resources{Memory: d.memoryBytes},
		NetworkMode: container.NetworkMode(d.networkMode),
		Binds:       []string{fmt.Sprintf("%s:/workspace", workspaceDir)},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}

	containerID := resp.ID

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = d.client.ContainerKill(ctx, containerID, "SIGKILL")
		return "", "sandbox run cancelled", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Close releases the underlying Docker client connection.
func (d *DockerBackend) Close() error {
	return d.client.Close()
}
