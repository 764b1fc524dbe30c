package broker_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/orbiter-labs/fleetbroker/internal/broker"
	"github.com/orbiter-labs/fleetbroker/internal/config"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
	"github.com/orbiter-labs/fleetbroker/internal/router"
)

func newTestServer(t *testing.T) *broker.Server {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "fleetbroker.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return broker.New(broker.Config{
		Store:  store,
		Router: router.New(store),
		Auth:   config.AuthConfig{Enabled: false},
		CORS:   config.CORSConfig{Enabled: false},
	})
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRegisterAgentThenMe(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	body, _ := json.Marshal(map[string]any{"agentId": "agent-1", "name": "Worker One", "role": "worker", "maxTasks": 2})
	req := httptest.NewRequest(http.MethodPost, "/agents", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("register agent: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/me", nil)
	req2.Header.Set("X-Agent-ID", "agent-1")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("get me: expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}

	var agent persistence.AgentRecord
	if err := json.Unmarshal(rec2.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if agent.AgentID != "agent-1" {
		t.Errorf("expected agent-1, got %s", agent.AgentID)
	}
}

func TestCreateAndClaimTask(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	regBody, _ := json.Marshal(map[string]any{"agentId": "agent-2", "name": "Worker Two", "maxTasks": 1})
	regReq := httptest.NewRequest(http.MethodPost, "/agents", bytes.NewReader(regBody))
	regRec := httptest.NewRecorder()
	h.ServeHTTP(regRec, regReq)
	if regRec.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d", regRec.Code)
	}

	createBody, _ := json.Marshal(map[string]any{"description": "fix the thing", "source": "api"})
	createReq := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(createBody))
	createRec := httptest.NewRecorder()
	h.ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("create task: expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}
	var task persistence.Task
	if err := json.Unmarshal(createRec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Status != persistence.TaskStatusUnassigned {
		t.Fatalf("expected unassigned, got %s", task.Status)
	}

	claimReq := httptest.NewRequest(http.MethodPost, "/api/tasks/"+task.ID+"/claim", nil)
	claimReq.Header.Set("X-Agent-ID", "agent-2")
	claimRec := httptest.NewRecorder()
	h.ServeHTTP(claimRec, claimReq)
	if claimRec.Code != http.StatusOK {
		t.Fatalf("claim task: expected 200, got %d: %s", claimRec.Code, claimRec.Body.String())
	}
}

func TestWebhookUnknownSourceReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier-pigeon", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
