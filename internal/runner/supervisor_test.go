package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

// fakeBroker is a minimal stand-in for the broker's REST surface, just
// enough for Supervisor.Run to complete one full cycle against a shell
// "true"-style command.
type fakeBroker struct {
	polls      int32
	registered int32
	closed     int32
}

func (f *fakeBroker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agents", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.registered, 1)
		json.NewEncoder(w).Encode(persistence.AgentRecord{AgentID: "agent-1"})
	})
	mux.HandleFunc("POST /ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /close", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.closed, 1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/paused-tasks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]persistence.Task{})
	})
	mux.HandleFunc("GET /api/poll", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.polls, 1)
		json.NewEncoder(w).Encode(persistence.Trigger{Type: "none"})
	})
	return mux
}

func TestSupervisorRegistersResumesPollsAndCloses(t *testing.T) {
	fb := &fakeBroker{}
	srv := httptest.NewServer(fb.handler())
	defer srv.Close()

	client := NewClient(srv.URL, "", "agent-1")
	sup, err := New(Config{
		Client:          client,
		AgentID:         "agent-1",
		Name:            "test-runner",
		Role:            "worker",
		MaxTasks:        1,
		Command:         "true",
		ShutdownTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if atomic.LoadInt32(&fb.registered) != 1 {
		t.Fatalf("registered = %d, want 1", fb.registered)
	}
	if atomic.LoadInt32(&fb.polls) == 0 {
		t.Fatal("expected at least one poll")
	}
	if atomic.LoadInt32(&fb.closed) != 1 {
		t.Fatalf("closed = %d, want 1", fb.closed)
	}
}

func TestPollTimeoutNeverBelowsOnFullOccupancy(t *testing.T) {
	if got := pollTimeout(2, 2); got != 2*time.Second {
		t.Fatalf("pollTimeout(2, 2) = %v, want 2s", got)
	}
}
