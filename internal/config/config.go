package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orbiter-labs/fleetbroker/internal/otel"
)

// APIKeyEntry is one entry in AuthConfig.Keys: a bearer token plus the
// agent/integration label it identifies, used by AuthMiddleware.
type APIKeyEntry struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
}

// AuthConfig controls Bearer/X-API-Key authentication on the broker's REST
// surface (spec §6.2).
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls cross-origin access to the broker's REST surface,
// needed by browser-based dashboards.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// TelegramConfig configures the Telegram chat channel.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// SlackConfig configures the Slack channel adapter (events API webhook).
type SlackConfig struct {
	SigningSecret string `yaml:"signing_secret"`
	BotToken      string `yaml:"bot_token"`
	Enabled       bool   `yaml:"enabled"`
}

// GitHubConfig configures the GitHub issue/PR comment webhook adapter.
type GitHubConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`
	AppToken      string `yaml:"app_token"`
	Repos         []string `yaml:"repos"`
	Enabled       bool     `yaml:"enabled"`
}

// MailConfig configures the inbound-mail channel adapter.
type MailConfig struct {
	IMAPAddr string `yaml:"imap_addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
	GitHub   GitHubConfig   `yaml:"github"`
	Mail     MailConfig     `yaml:"mail"`
}

// SandboxConfig selects and configures the child-process execution backend
// (spec §12, supplemented sandboxed execution).
type SandboxConfig struct {
	// Backend is "none" (direct exec) or "docker".
	Backend     string `yaml:"backend"`
	DockerImage string `yaml:"docker_image"`
	MemoryMB    int64  `yaml:"memory_mb"`
	Network     string `yaml:"network"`
}

// CronScheduleConfig fires a scheduled task creation, adapted from the
// teacher's cron.Scheduler (spec §12 supplemented features).
type CronScheduleConfig struct {
	Name        string `yaml:"name"`
	Expr        string `yaml:"expr"`
	AgentID     string `yaml:"agent_id"`
	Description string `yaml:"description"`
	Priority    int    `yaml:"priority"`
}

// Config is the broker/runner process configuration, loaded from
// <home>/config.yaml with environment overrides (spec §6, env vars table).
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Auth Auth       `yaml:"auth"`
	CORS CORSConfig `yaml:"cors"`

	Channels ChannelsConfig `yaml:"channels"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Cron     []CronScheduleConfig `yaml:"cron"`

	// LeaseDurationSeconds bounds how long a dispatched task may run before
	// the lease sweep reclaims it as failed (adapted from the teacher's
	// heartbeat.HeartbeatManager interval).
	LeaseDurationSeconds int `yaml:"lease_duration_seconds"`

	// RunnerPoolSize is the default MAX_CONCURRENT_TASKS for runner processes
	// started without an explicit override.
	RunnerPoolSize int `yaml:"runner_pool_size"`

	// ShutdownTimeoutSeconds bounds the runner's graceful-drain window
	// (spec §4.3, default 30s == SHUTDOWN_TIMEOUT).
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	// Retention policy (days). 0 = keep forever.
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`
	RetentionAuditLogDays   int `yaml:"retention_audit_log_days"`
	RetentionSessionLogDays int `yaml:"retention_session_log_days"`

	DashboardBindAddr string `yaml:"dashboard_bind_addr"`

	OTel otel.Config `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// Auth is the YAML-facing alias for AuthConfig (kept distinct so zero-value
// config.yaml files don't accidentally expose an unauthenticated broker).
type Auth = AuthConfig

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:                "127.0.0.1:3013",
		LogLevel:                "info",
		LeaseDurationSeconds:    30,
		RunnerPoolSize:          1,
		ShutdownTimeoutSeconds:  30,
		RetentionTaskEventsDays: 90,
		RetentionAuditLogDays:   365,
		RetentionSessionLogDays: 30,
		DashboardBindAddr:       "127.0.0.1:3014",
	}
}

// HomeDir returns the broker's home directory, $FLEETBROKER_HOME or
// ~/.fleetbroker.
func HomeDir() string {
	if override := os.Getenv("FLEETBROKER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleetbroker")
}

// Load reads config.yaml from HomeDir(), applies environment overrides, and
// normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fleetbroker home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:3013"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LeaseDurationSeconds <= 0 {
		cfg.LeaseDurationSeconds = 30
	}
	if cfg.RunnerPoolSize <= 0 {
		cfg.RunnerPoolSize = 1
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		cfg.ShutdownTimeoutSeconds = 30
	}
	if cfg.Sandbox.Backend == "" {
		cfg.Sandbox.Backend = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PORT"); raw != "" {
		cfg.BindAddr = ":" + raw
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("API_KEY"); raw != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Keys = append(cfg.Auth.Keys, APIKeyEntry{Key: raw, Label: "env"})
	}
	if raw := os.Getenv("MAX_CONCURRENT_TASKS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RunnerPoolSize = v
		}
	}
	if raw := os.Getenv("SHUTDOWN_TIMEOUT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ShutdownTimeoutSeconds = v / 1000
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
		cfg.Channels.Telegram.Enabled = true
	}
	if raw := os.Getenv("SLACK_SIGNING_SECRET"); raw != "" {
		cfg.Channels.Slack.SigningSecret = raw
	}
	if raw := os.Getenv("SLACK_BOT_TOKEN"); raw != "" {
		cfg.Channels.Slack.BotToken = raw
		cfg.Channels.Slack.Enabled = true
	}
	if raw := os.Getenv("GITHUB_WEBHOOK_SECRET"); raw != "" {
		cfg.Channels.GitHub.WebhookSecret = raw
	}
	if raw := os.Getenv("GITHUB_APP_TOKEN"); raw != "" {
		cfg.Channels.GitHub.AppToken = raw
		cfg.Channels.GitHub.Enabled = true
	}
}

// Fingerprint returns a stable hash of the active config, exposed over
// /health for operators correlating a running process to a config file.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|lease=%d|pool=%d|sandbox=%s",
		c.BindAddr, c.LogLevel, c.LeaseDurationSeconds, c.RunnerPoolSize, c.Sandbox.Backend)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DefaultLeaseDuration returns LeaseDurationSeconds as a time.Duration.
func (c Config) DefaultLeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationSeconds) * time.Second
}

// DefaultShutdownTimeout returns ShutdownTimeoutSeconds as a time.Duration.
func (c Config) DefaultShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
