package broker_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/orbiter-labs/fleetbroker/internal/broker"
	"github.com/orbiter-labs/fleetbroker/internal/config"
)

func TestAuthMiddlewareValidKey(t *testing.T) {
	cfg := config.AuthConfig{
		Enabled: true,
		Keys:    []config.APIKeyEntry{{Key: "test-key-123", Label: "test"}},
	}
	am := broker.NewAuthMiddleware(cfg)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := am.Wrap(inner)

	req := httptest.NewRequest("GET", "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer test-key-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddlewareInvalidKey(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Key: "test-key-123"}}}
	am := broker.NewAuthMiddleware(cfg)
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for invalid key")
	}))

	req := httptest.NewRequest("GET", "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAuthMiddlewareMissingKey(t *testing.T) {
	cfg := config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Key: "test-key-123"}}}
	am := broker.NewAuthMiddleware(cfg)
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for missing key")
	}))

	req := httptest.NewRequest("GET", "/api/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareDisabledPassesThrough(t *testing.T) {
	am := broker.NewAuthMiddleware(config.AuthConfig{Enabled: false})
	called := false
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called || rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through when auth disabled")
	}
}

func TestAuthMiddlewareSkipsHealthCheck(t *testing.T) {
	am := broker.NewAuthMiddleware(config.AuthConfig{Enabled: true, Keys: []config.APIKeyEntry{{Key: "k"}}})
	handler := am.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected /health to bypass auth, got %d", rec.Code)
	}
}

func TestExtractAPIKeyPrecedence(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/tasks?api_key=query-key", nil)
	req.Header.Set("X-API-Key", "header-key")
	req.Header.Set("Authorization", "Bearer bearer-key")

	if got := broker.ExtractAPIKey(req); got != "bearer-key" {
		t.Errorf("expected Authorization header to win, got %q", got)
	}

	req2 := httptest.NewRequest("GET", "/api/tasks?api_key=query-key", nil)
	req2.Header.Set("X-API-Key", "header-key")
	if got := broker.ExtractAPIKey(req2); got != "header-key" {
		t.Errorf("expected X-API-Key to win over query param, got %q", got)
	}
}
