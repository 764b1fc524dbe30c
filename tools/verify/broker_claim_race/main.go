// Command broker_claim_race is a human-runnable counterpart to
// internal/persistence's claim-race unit tests: it spins up an in-process
// broker and fires N concurrent claim requests from distinct agents at one
// unassigned task, then asserts exactly one wins (spec §8 scenario 1, the
// offered-task race). Grounded on tools/verify/lease_recovery_crash and
// tools/verify/sigkill_chaos's plain KEY=value / VERDICT output style.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"

	"github.com/orbiter-labs/fleetbroker/internal/broker"
	"github.com/orbiter-labs/fleetbroker/internal/bus"
	"github.com/orbiter-labs/fleetbroker/internal/config"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
	"github.com/orbiter-labs/fleetbroker/internal/router"
)

func main() {
	concurrency := flag.Int("n", 8, "number of concurrent claimants")
	flag.Parse()

	if err := run(*concurrency); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (broker_claim_race)")
}

func run(concurrency int) error {
	dir, err := os.MkdirTemp("", "fleetbroker-claim-race-*")
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

	srv := broker.New(broker.Config{
		Store:  store,
		Bus:    eventBus,
		Router: router.New(store),
		Auth:   config.AuthConfig{Enabled: false},
		CORS:   config.CORSConfig{Enabled: false},
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	agentIDs := make([]string, concurrency)
	for i := 0; i < concurrency; i++ {
		agentIDs[i] = fmt.Sprintf("claimant-%d", i)
		if err := registerAgent(ts.URL, agentIDs[i]); err != nil {
			return fmt.Errorf("register agent %s: %w", agentIDs[i], err)
		}
	}

	taskID, err := createUnassignedTask(ts.URL)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	fmt.Printf("TASK_ID=%s\n", taskID)

	var wg sync.WaitGroup
	results := make([]int, concurrency)
	wg.Add(concurrency)
	for i, agentID := range agentIDs {
		go func(i int, agentID string) {
			defer wg.Done()
			results[i] = claim(ts.URL, taskID, agentID)
		}(i, agentID)
	}
	wg.Wait()

	wins := 0
	for i, code := range results {
		fmt.Printf("CLAIM_RESULT agent=%s status=%d\n", agentIDs[i], code)
		if code == http.StatusOK {
			wins++
		}
	}
	fmt.Printf("WINS=%d\n", wins)

	if wins != 1 {
		return fmt.Errorf("expected exactly 1 winner, got %d", wins)
	}
	return nil
}

func registerAgent(baseURL, agentID string) error {
	body, _ := json.Marshal(map[string]any{"agentId": agentID, "name": agentID, "role": "worker", "maxTasks": 1})
	resp, err := http.Post(baseURL+"/agents", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func createUnassignedTask(baseURL string) (string, error) {
	body, _ := json.Marshal(map[string]any{"description": "claim race fixture", "source": "api"})
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

func claim(baseURL, taskID, agentID string) int {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/tasks/"+taskID+"/claim", nil)
	if err != nil {
		return 0
	}
	req.Header.Set("X-Agent-ID", agentID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	return resp.StatusCode
}
