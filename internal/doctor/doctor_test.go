package doctor

import (
	"context"
	"testing"

	"github.com/orbiter-labs/fleetbroker/internal/config"
)

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_NeedsGenesis(t *testing.T) {
	cfg := &config.Config{NeedsGenesis: true}
	result := checkConfig(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN when genesis needed, got %s", result.Status)
	}
}

func TestCheckAuth_NilConfig(t *testing.T) {
	result := checkAuth(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckAuth_DisabledWarns(t *testing.T) {
	cfg := &config.Config{}
	result := checkAuth(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN when auth disabled, got %s", result.Status)
	}
}

func TestCheckAuth_EnabledNoKeysFails(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{Enabled: true}}
	result := checkAuth(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL when auth enabled with no keys, got %s", result.Status)
	}
}

func TestCheckAuth_EnabledWithKeysPasses(t *testing.T) {
	cfg := &config.Config{Auth: config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Key: "k", Label: "test"}}}}
	result := checkAuth(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS when auth enabled with keys, got %s", result.Status)
	}
}

func TestCheckDatabase_NilConfig(t *testing.T) {
	result := checkDatabase(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckDatabase_OpensFreshDB(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for a writable fresh DB, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckPermissions_WritableDir(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	result := checkPermissions(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for a writable home dir, got %s", result.Status)
	}
}

func TestCheckLeaseSweep_ZeroWarns(t *testing.T) {
	cfg := &config.Config{}
	result := checkLeaseSweep(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for zero lease duration, got %s", result.Status)
	}
}

func TestCheckLeaseSweep_ConfiguredPasses(t *testing.T) {
	cfg := &config.Config{LeaseDurationSeconds: 30}
	result := checkLeaseSweep(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for configured lease duration, got %s", result.Status)
	}
}

func TestCheckSandbox_NoneBackendAlwaysPasses(t *testing.T) {
	cfg := &config.Config{}
	result := checkSandbox(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for backend=none, got %s", result.Status)
	}
}

func TestCheckChannels_NoneEnabledPasses(t *testing.T) {
	cfg := &config.Config{}
	result := checkChannels(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS with no channels enabled, got %s", result.Status)
	}
}

func TestCheckChannels_EnabledMissingCredentialFails(t *testing.T) {
	cfg := &config.Config{Channels: config.ChannelsConfig{Telegram: config.TelegramConfig{Enabled: true}}}
	result := checkChannels(context.Background(), cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for enabled telegram with no token, got %s", result.Status)
	}
}

func TestCheckChannels_EnabledWithCredentialPasses(t *testing.T) {
	cfg := &config.Config{Channels: config.ChannelsConfig{Telegram: config.TelegramConfig{Enabled: true, Token: "t"}}}
	result := checkChannels(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS for enabled telegram with token, got %s", result.Status)
	}
}
