package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

func TestClientRegisterAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/agents" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-Agent-ID"); got != "agent-1" {
			t.Fatalf("X-Agent-ID = %q, want agent-1", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["name"] != "worker-a" {
			t.Fatalf("name = %v, want worker-a", body["name"])
		}
		json.NewEncoder(w).Encode(persistence.AgentRecord{AgentID: "agent-1", Name: "worker-a"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "agent-1")
	agent, err := c.RegisterAgent(context.Background(), "worker-a", "worker", 1)
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	if agent.AgentID != "agent-1" {
		t.Fatalf("agent.AgentID = %q, want agent-1", agent.AgentID)
	}
}

func TestClientPollReturnsNilOnNoneTrigger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(persistence.Trigger{Type: "none"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "agent-1")
	trigger, err := c.Poll(context.Background(), false)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if trigger != nil {
		t.Fatalf("trigger = %+v, want nil", trigger)
	}
}

func TestClientPollReturnsTrigger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("role"); got != "lead" {
			t.Fatalf("role = %q, want lead", got)
		}
		json.NewEncoder(w).Encode(persistence.Trigger{
			Type: "task_assigned",
			Task: &persistence.Task{ID: "task-1", Description: "do the thing"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "agent-1")
	trigger, err := c.Poll(context.Background(), true)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if trigger == nil || trigger.Task == nil || trigger.Task.ID != "task-1" {
		t.Fatalf("trigger = %+v, want task-1", trigger)
	}
}

func TestClientDoPropagatesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"state conflict"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "agent-1")
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestClientIsCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		taskID := r.URL.Query().Get("taskId")
		json.NewEncoder(w).Encode([]persistence.Task{{ID: taskID}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "agent-1")
	cancelled, err := c.IsCancelled(context.Background(), "task-9")
	if err != nil {
		t.Fatalf("IsCancelled: %v", err)
	}
	if !cancelled {
		t.Fatal("expected cancelled = true")
	}
}

func TestPollTimeoutAdaptsToOccupancy(t *testing.T) {
	cases := []struct {
		active, max int
		want        time.Duration
	}{
		{0, 1, 55 * time.Second},
		{0, 3, 55 * time.Second},
		{1, 3, 20 * time.Second},
		{3, 3, 2 * time.Second},
		{5, 3, 2 * time.Second},
	}
	for _, tc := range cases {
		got := pollTimeout(tc.active, tc.max)
		if got != tc.want {
			t.Errorf("pollTimeout(%d, %d) = %v, want %v", tc.active, tc.max, got, tc.want)
		}
	}
}
