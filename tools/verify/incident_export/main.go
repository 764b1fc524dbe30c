// Command incident_export builds an incident bundle for a broker home
// directory: a redacted tail of the system log, the audit_log trail, and
// the task_events history for a sample of completed tasks, bundled into a
// single JSON file with a content hash of the config that produced it.
// Grounded on internal/audit's JSONL+SQL dual write and
// internal/persistence's task_events/audit_log tables.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/audit"
	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

const (
	maxEvents = 64
	maxLogs   = 32
)

type auditRow struct {
	Subject  string `json:"subject"`
	Action   string `json:"action"`
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

type bundle struct {
	ExportedAt  time.Time               `json:"exported_at"`
	ConfigHash  string                  `json:"config_hash"`
	EventCount  int                     `json:"event_count"`
	LogCount    int                     `json:"log_count"`
	AuditCount  int                     `json:"audit_count"`
	AuditTrail  []auditRow              `json:"audit_trail"`
	Events      []persistence.TaskEvent `json:"events"`
	RedactedLog []string                `json:"redacted_logs"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (incident_export)")
}

func run() error {
	ctx := context.Background()
	home, err := os.MkdirTemp("", "fleetbroker-incident-export-*")
	if err != nil {
		return fmt.Errorf("mktemp: %w", err)
	}
	defer os.RemoveAll(home)

	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}

	cfgPath := filepath.Join(home, "config.yaml")
	cfgBody := []byte("bind_addr: \"127.0.0.1:18900\"\nlog_level: \"info\"\n")
	if err := os.WriteFile(cfgPath, cfgBody, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	logPath := filepath.Join(logDir, "system.jsonl")
	logLines := []string{
		`{"timestamp":"2026-02-11T00:00:00Z","level":"INFO","msg":"broker startup"}`,
		`{"timestamp":"2026-02-11T00:00:01Z","level":"WARN","msg":"api key used","key":"[REDACTED]"}`,
		`{"timestamp":"2026-02-11T00:00:02Z","level":"INFO","msg":"task finished","task_id":"t1"}`,
	}
	if err := os.WriteFile(logPath, []byte(strings.Join(logLines, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("write log: %w", err)
	}

	dbPath := filepath.Join(home, "fleetbroker.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := audit.Init(home); err != nil {
		return fmt.Errorf("init audit: %w", err)
	}
	audit.SetDB(store.DB())
	defer audit.Close()

	if _, err := store.RegisterAgent(ctx, persistence.RegisterAgentParams{
		AgentID: "incident-agent", Name: "incident-agent", Role: "worker", MaxTasks: 4,
	}); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	for i := 0; i < 10; i++ {
		task, err := store.CreateTask(ctx, persistence.CreateTaskParams{
			CreatorAgentID: "incident-lead", OwnerAgentID: "incident-agent",
			Description: fmt.Sprintf("incident export task %d", i),
		})
		if err != nil {
			return fmt.Errorf("create task %d: %w", i, err)
		}
		if _, err := store.DispatchPendingTask(ctx, task.ID); err != nil {
			return fmt.Errorf("dispatch task %d: %w", i, err)
		}
		audit.Record("dispatch", "grant", "", task.ID)
		if _, err := store.FinishTask(ctx, task.ID, string(persistence.TaskStatusCompleted), "ok", ""); err != nil {
			return fmt.Errorf("finish task %d: %w", i, err)
		}
	}

	events, err := listRecentTaskEvents(ctx, store, maxEvents)
	if err != nil {
		return fmt.Errorf("list task events: %w", err)
	}
	auditTrail, err := listAuditTrail(ctx, store, maxEvents)
	if err != nil {
		return fmt.Errorf("list audit trail: %w", err)
	}
	logs, err := tailLines(logPath, maxLogs)
	if err != nil {
		return fmt.Errorf("tail logs: %w", err)
	}
	cfgHash, err := sha256File(cfgPath)
	if err != nil {
		return fmt.Errorf("hash config: %w", err)
	}

	b := bundle{
		ExportedAt:  time.Now().UTC(),
		ConfigHash:  cfgHash,
		EventCount:  len(events),
		LogCount:    len(logs),
		AuditCount:  len(auditTrail),
		AuditTrail:  auditTrail,
		Events:      events,
		RedactedLog: logs,
	}

	bundlePath := filepath.Join(home, "incident_bundle.json")
	encoded, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	if err := os.WriteFile(bundlePath, encoded, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}

	fmt.Printf("bundle_path=%s\n", bundlePath)
	fmt.Printf("config_hash=%s\n", cfgHash)
	fmt.Printf("events=%d max_events=%d\n", len(events), maxEvents)
	fmt.Printf("audit_rows=%d\n", len(auditTrail))
	fmt.Printf("logs=%d max_logs=%d\n", len(logs), maxLogs)
	if len(events) == 0 || len(logs) == 0 || len(auditTrail) == 0 {
		return fmt.Errorf("expected non-empty events, audit trail, and logs")
	}
	return nil
}

func listRecentTaskEvents(ctx context.Context, store *persistence.Store, limit int) ([]persistence.TaskEvent, error) {
	rows, err := store.DB().QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events ORDER BY event_id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []persistence.TaskEvent
	for rows.Next() {
		var e persistence.TaskEvent
		var stateFrom string
		if err := rows.Scan(&e.EventID, &e.TaskID, &e.EventType, &stateFrom, &e.StateTo, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.StateFrom = persistence.TaskStatus(stateFrom)
		out = append(out, e)
	}
	return out, rows.Err()
}

func listAuditTrail(ctx context.Context, store *persistence.Store, limit int) ([]auditRow, error) {
	rows, err := store.DB().QueryContext(ctx, `
		SELECT subject, action, decision, reason FROM audit_log ORDER BY audit_id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []auditRow
	for rows.Next() {
		var a auditRow
		if err := rows.Scan(&a.Subject, &a.Action, &a.Decision, &a.Reason); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func tailLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if limit <= 0 {
		limit = 1
	}
	lines := make([]string, 0, limit)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func sha256File(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
