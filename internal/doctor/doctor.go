// Package doctor runs startup diagnostics against a loaded broker config:
// is the database reachable, is the home directory writable, are enabled
// channel credentials present, is the configured sandbox backend usable.
// Adapted from the teacher's doctor package (same CheckResult/Diagnosis
// shape and check-list pattern), pointed at broker concerns instead of LLM
// provider/API-key checks.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/config"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuth,
		checkDatabase,
		checkPermissions,
		checkLeaseSweep,
		checkSandbox,
		checkChannels,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", cfg.HomeDir)}
}

// checkAuth warns if the broker's REST surface has no API keys configured,
// since every non-webhook endpoint requires one once auth is enabled
// (spec §6.2).
func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: "SKIP", Message: "config missing"}
	}
	if !cfg.Auth.Enabled {
		return CheckResult{Name: "Auth", Status: "WARN", Message: "auth disabled: broker REST surface is unauthenticated"}
	}
	if len(cfg.Auth.Keys) == 0 {
		return CheckResult{Name: "Auth", Status: "FAIL", Message: "auth enabled but no API keys configured"}
	}
	return CheckResult{Name: "Auth", Status: "PASS", Message: fmt.Sprintf("%d API key(s) configured", len(cfg.Auth.Keys))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "config missing"}
	}

	dbPath := persistence.DefaultDBPath()
	if cfg.HomeDir != "" {
		dbPath = cfg.HomeDir + "/fleetbroker.db"
	}

	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("connection failed: %v", err)}
	}
	defer store.Close()

	if err := store.DB().PingContext(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("ping failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("connection and schema valid (%s)", dbPath)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "config missing"}
	}

	testFile := fmt.Sprintf("%s/.write_test", cfg.HomeDir)
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

// checkLeaseSweep reports the configured lease duration so an operator can
// confirm it is sane (too short reclaims slow-but-healthy tasks, too long
// delays recovery from a crashed runner).
func checkLeaseSweep(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "LeaseSweep", Status: "SKIP", Message: "config missing"}
	}
	if cfg.LeaseDurationSeconds <= 0 {
		return CheckResult{Name: "LeaseSweep", Status: "WARN", Message: "lease_duration_seconds is 0: stale tasks are never reclaimed"}
	}
	return CheckResult{Name: "LeaseSweep", Status: "PASS", Message: fmt.Sprintf("reclaiming in_progress tasks after %ds of owner silence", cfg.LeaseDurationSeconds)}
}

// checkSandbox verifies the docker CLI and daemon are reachable when the
// configured sandbox backend needs them.
func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Sandbox", Status: "SKIP", Message: "config missing"}
	}
	if cfg.Sandbox.Backend != "docker" {
		return CheckResult{Name: "Sandbox", Status: "PASS", Message: fmt.Sprintf("backend %q requires no external runtime", backendOrDefault(cfg.Sandbox.Backend))}
	}

	if _, err := exec.LookPath("docker"); err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: "docker CLI not found but sandbox.backend=docker"}
	}

	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return CheckResult{Name: "Sandbox", Status: "FAIL", Message: fmt.Sprintf("docker daemon unreachable: %v", err)}
	}

	return CheckResult{Name: "Sandbox", Status: "PASS", Message: "docker CLI and daemon reachable"}
}

func backendOrDefault(backend string) string {
	if backend == "" {
		return "none"
	}
	return backend
}

// checkChannels warns about any enabled channel missing its credential.
func checkChannels(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channels", Status: "SKIP", Message: "config missing"}
	}

	var missing []string
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		missing = append(missing, "telegram.token")
	}
	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.SigningSecret == "") {
		missing = append(missing, "slack.bot_token/signing_secret")
	}
	if cfg.Channels.GitHub.Enabled && (cfg.Channels.GitHub.AppToken == "" || cfg.Channels.GitHub.WebhookSecret == "") {
		missing = append(missing, "github.app_token/webhook_secret")
	}
	if cfg.Channels.Mail.Enabled && cfg.Channels.Mail.IMAPAddr == "" {
		missing = append(missing, "mail.imap_addr")
	}

	if len(missing) > 0 {
		return CheckResult{Name: "Channels", Status: "FAIL", Message: "enabled channel(s) missing credentials", Detail: fmt.Sprintf("%v", missing)}
	}
	return CheckResult{Name: "Channels", Status: "PASS", Message: "all enabled channels have credentials configured"}
}
