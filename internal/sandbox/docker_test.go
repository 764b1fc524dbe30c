package sandbox

import (
	"testing"

	"github.com/orbiter-labs/fleetbroker/internal/config"
)

func TestNewDockerBackendAppliesDefaults(t *testing.T) {
	backend, err := NewDockerBackend(config.SandboxConfig{})
	if err != nil {
		t.Fatalf("NewDockerBackend: %v", err)
	}
	defer backend.Close()

	if backend.image != "golang:alpine" {
		t.Errorf("image = %q, want golang:alpine", backend.image)
	}
	if backend.memoryBytes != 512*1024*1024 {
		t.Errorf("memoryBytes = %d, want %d", backend.memoryBytes, 512*1024*1024)
	}
	if backend.networkMode != "none" {
		t.Errorf("networkMode = %q, want none", backend.networkMode)
	}
}

func TestNewDockerBackendHonorsOverrides(t *testing.T) {
	backend, err := NewDockerBackend(config.SandboxConfig{
		DockerImage: "ubuntu:24.04",
		MemoryMB:    1024,
		Network:     "bridge",
	})
	if err != nil {
		t.Fatalf("NewDockerBackend: %v", err)
	}
	defer backend.Close()

	if backend.image != "ubuntu:24.04" {
		t.Errorf("image = %q, want ubuntu:24.04", backend.image)
	}
	if backend.memoryBytes != 1024*1024*1024 {
		t.Errorf("memoryBytes = %d, want %d", backend.memoryBytes, 1024*1024*1024)
	}
	if backend.networkMode != "bridge" {
		t.Errorf("networkMode = %q, want bridge", backend.networkMode)
	}
}
