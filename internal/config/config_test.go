package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenNoConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLEETBROKER_HOME", dir)
	t.Setenv("API_KEY", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Errorf("expected NeedsGenesis true on first run")
	}
	if cfg.BindAddr != "127.0.0.1:3013" {
		t.Errorf("bind addr = %q, want default", cfg.BindAddr)
	}
	if cfg.LeaseDurationSeconds != 30 {
		t.Errorf("lease duration = %d, want 30", cfg.LeaseDurationSeconds)
	}
	if cfg.Sandbox.Backend != "none" {
		t.Errorf("sandbox backend = %q, want none", cfg.Sandbox.Backend)
	}
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLEETBROKER_HOME", dir)
	t.Setenv("API_KEY", "")

	yamlBody := []byte("bind_addr: \"0.0.0.0:9000\"\nrunner_pool_size: 4\nauth:\n  enabled: true\n  keys:\n    - key: abc123\n      label: ci\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yamlBody, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Errorf("expected NeedsGenesis false when config.yaml exists")
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Errorf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.RunnerPoolSize != 4 {
		t.Errorf("runner pool size = %d, want 4", cfg.RunnerPoolSize)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.Keys) != 1 || cfg.Auth.Keys[0].Key != "abc123" {
		t.Errorf("auth config not parsed: %+v", cfg.Auth)
	}
}

func TestEnvOverridesAPIKeyEnablesAuth(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLEETBROKER_HOME", dir)
	t.Setenv("API_KEY", "env-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Auth.Enabled {
		t.Errorf("expected auth enabled when API_KEY set")
	}
	found := false
	for _, k := range cfg.Auth.Keys {
		if k.Key == "env-secret" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected env-secret among configured keys, got %+v", cfg.Auth.Keys)
	}
}

func TestFingerprintStableForSameConfig(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("expected identical fingerprints for identical config")
	}
	b.BindAddr = "127.0.0.1:9999"
	if a.Fingerprint() == b.Fingerprint() {
		t.Errorf("expected different fingerprints for different bind addr")
	}
}
