// Command fleetrunner is the single-process-per-agent supervisor of spec
// §4.3: it registers with a fleetbroker, resumes any of its own paused
// tasks, then long-polls for triggers and spawns one child process per
// task it is handed. Grounded on cmd/goclaw/main.go's signal-handling and
// graceful-shutdown block, generalized from an in-process agent loop to an
// HTTP client over the broker's REST surface.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/orbiter-labs/fleetbroker/internal/config"
	"github.com/orbiter-labs/fleetbroker/internal/runner"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := loadEnvConfig()

	client := runner.NewClient(cfg.brokerURL, cfg.apiKey, cfg.agentID)
	sup, err := runner.New(runner.Config{
		Client:          client,
		AgentID:         cfg.agentID,
		Name:            cfg.agentName,
		Role:            cfg.role,
		MaxTasks:        cfg.maxConcurrentTasks,
		Command:         cfg.command,
		BaseArgs:        cfg.commandArgs,
		Sandbox:         cfg.sandbox,
		ShutdownTimeout: cfg.shutdownTimeout,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to construct runner", "error", err)
		os.Exit(1)
	}

	logger.Info("fleetrunner starting",
		"agent_id", cfg.agentID, "role", cfg.role, "max_concurrent_tasks", cfg.maxConcurrentTasks)

	if err := sup.Run(ctx); err != nil {
		logger.Error("runner exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("fleetrunner stopped")
}

type envConfig struct {
	brokerURL          string
	apiKey             string
	agentID            string
	agentName          string
	role               string
	maxConcurrentTasks int
	shutdownTimeout    time.Duration
	command            string
	commandArgs        []string
	sandbox            config.SandboxConfig
}

// loadEnvConfig reads the runner's environment variables per spec §6's
// table: MCP_BASE_URL, API_KEY, AGENT_ID, AGENT_NAME, MAX_CONCURRENT_TASKS
// (default 1), SHUTDOWN_TIMEOUT (ms, default 30000), plus the sandboxed-
// execution overrides SANDBOX_BACKEND ("none"|"docker"), SANDBOX_IMAGE,
// SANDBOX_MEMORY_MB, SANDBOX_NETWORK (spec §12 supplemented feature).
func loadEnvConfig() envConfig {
	cfg := envConfig{
		brokerURL:          getenvDefault("MCP_BASE_URL", "http://127.0.0.1:3013"),
		apiKey:             os.Getenv("API_KEY"),
		agentID:            os.Getenv("AGENT_ID"),
		agentName:          getenvDefault("AGENT_NAME", "runner"),
		role:               getenvDefault("AGENT_ROLE", "worker"),
		maxConcurrentTasks: 1,
		shutdownTimeout:    30 * time.Second,
		command:            getenvDefault("RUNNER_COMMAND", "claude"),
		sandbox: config.SandboxConfig{
			Backend:     getenvDefault("SANDBOX_BACKEND", "none"),
			DockerImage: os.Getenv("SANDBOX_IMAGE"),
			Network:     os.Getenv("SANDBOX_NETWORK"),
		},
	}

	if cfg.agentID == "" {
		cfg.agentID = uuid.NewString()
	}
	if raw := os.Getenv("MAX_CONCURRENT_TASKS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.maxConcurrentTasks = n
		}
	}
	if raw := os.Getenv("SHUTDOWN_TIMEOUT"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			cfg.shutdownTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if raw := os.Getenv("RUNNER_COMMAND_ARGS"); raw != "" {
		cfg.commandArgs = strings.Fields(raw)
	}
	if raw := os.Getenv("SANDBOX_MEMORY_MB"); raw != "" {
		if mb, err := strconv.ParseInt(raw, 10, 64); err == nil && mb > 0 {
			cfg.sandbox.MemoryMB = mb
		}
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
