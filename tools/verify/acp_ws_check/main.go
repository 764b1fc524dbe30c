// Command acp_ws_check is a human-runnable smoke check for the dashboard's
// read-only websocket push: it dials GET /ws against a running broker+
// dashboard pair, triggers a task creation over the REST surface, and
// asserts the resulting task.created event arrives on the socket as JSON.
// Grounded on tools/verify/broker_claim_race's httptest.Server harness and
// internal/dashboard's wsjson push contract (push-only, no inbound RPC).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/orbiter-labs/fleetbroker/internal/broker"
	"github.com/orbiter-labs/fleetbroker/internal/bus"
	"github.com/orbiter-labs/fleetbroker/internal/config"
	"github.com/orbiter-labs/fleetbroker/internal/dashboard"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
	"github.com/orbiter-labs/fleetbroker/internal/router"
)

func main() {
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	flag.Parse()

	if err := run(*timeout); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (acp_ws_check)")
}

func run(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "fleetbroker-ws-check-*")
	if err != nil {
		return fmt.Errorf("mktemp: %w", err)
	}
	defer os.RemoveAll(dir)

	eventBus := bus.NewWithLogger(nil)
	store, err := persistence.Open(filepath.Join(dir, "fleetbroker.db"), eventBus)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	brokerSrv := broker.New(broker.Config{
		Store: store, Bus: eventBus, Router: router.New(store),
		Auth: config.AuthConfig{Enabled: false}, CORS: config.CORSConfig{Enabled: false},
	})
	apiServer := httptest.NewServer(brokerSrv.Handler())
	defer apiServer.Close()

	dashboardSrv := dashboard.New(dashboard.Config{Bus: eventBus})
	wsServer := httptest.NewServer(dashboardSrv.Handler())
	defer wsServer.Close()
	wsURL := "ws" + wsServer.URL[len("http"):] + "/ws"

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial dashboard ws: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the dashboard's accept goroutine time to subscribe before we publish.
	time.Sleep(100 * time.Millisecond)

	taskID, err := createTask(apiServer.URL)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	fmt.Printf("TASK_ID=%s\n", taskID)

	for {
		var event map[string]interface{}
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return fmt.Errorf("read ws event: %w", err)
		}
		topic, _ := event["Topic"].(string)
		fmt.Printf("EVENT topic=%s\n", topic)
		if topic == "task.created" {
			return nil
		}
	}
}

func createTask(baseURL string) (string, error) {
	body, _ := json.Marshal(map[string]any{"description": "ws check fixture", "source": "api"})
	resp, err := http.Post(baseURL+"/api/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var task persistence.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return "", err
	}
	return task.ID, nil
}
