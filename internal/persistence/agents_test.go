package persistence

import (
	"context"
	"strings"
	"testing"
)

func TestRegisterAgentFlipsOfflineToIdleOnReregistration(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustRegisterAgent(t, s, "agent-r", "worker", 1)

	if err := s.CloseAgent(ctx, "agent-r"); err != nil {
		t.Fatalf("close agent: %v", err)
	}
	closed, err := s.GetAgent(ctx, "agent-r")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if closed.Status != "offline" {
		t.Fatalf("status after close = %q, want offline", closed.Status)
	}

	mustRegisterAgent(t, s, "agent-r", "worker", 1)
	reregistered, err := s.GetAgent(ctx, "agent-r")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if reregistered.Status != "idle" {
		t.Fatalf("status after re-registration = %q, want idle", reregistered.Status)
	}
}

func TestRegisterAgentPreservesBusyStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustRegisterAgent(t, s, "agent-b", "worker", 1)

	if _, err := s.db.ExecContext(ctx, `UPDATE agents SET status = 'busy' WHERE agent_id = 'agent-b';`); err != nil {
		t.Fatalf("force busy: %v", err)
	}

	mustRegisterAgent(t, s, "agent-b", "worker", 1)
	rec, err := s.GetAgent(ctx, "agent-b")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if rec.Status != "busy" {
		t.Fatalf("status after re-registration = %q, want busy (unchanged)", rec.Status)
	}
}

func TestRegisterAgentRejectsOversizedIdentityBlob(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.RegisterAgent(ctx, RegisterAgentParams{
		AgentID:         "agent-big",
		Name:            "agent-big",
		IdentityPersona: strings.Repeat("x", maxIdentityBlobBytes+1),
	})
	if err == nil {
		t.Fatal("expected error for oversized identity blob")
	}
}

func TestRegisterAgentResetsEmptyPollCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustRegisterAgent(t, s, "agent-p", "worker", 1)

	if _, err := s.ResolveTrigger(ctx, "agent-p", false); err != nil {
		t.Fatalf("resolve trigger: %v", err)
	}
	afterPoll, err := s.GetAgent(ctx, "agent-p")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if afterPoll.EmptyPollCount != 1 {
		t.Fatalf("empty poll count = %d, want 1", afterPoll.EmptyPollCount)
	}

	mustRegisterAgent(t, s, "agent-p", "worker", 1)
	afterReregister, err := s.GetAgent(ctx, "agent-p")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if afterReregister.EmptyPollCount != 0 {
		t.Fatalf("empty poll count after re-registration = %d, want 0", afterReregister.EmptyPollCount)
	}
}
