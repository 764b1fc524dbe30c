// Package runner implements the single-process-per-agent supervisor of
// spec §4.3: it registers with the broker, resumes paused tasks, long-polls
// for triggers, and owns the child processes that do the actual task work.
// Grounded on the teacher's internal/agent registry and
// internal/engine/loop.go's LoopRunner (one struct per unit of work,
// Run(ctx, taskID)), generalized from an in-process LLM loop to owning an
// *exec.Cmd and streaming its stdout.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/persistence"
)

// Client is a thin HTTP client over the broker's REST surface (spec §6).
type Client struct {
	baseURL string
	apiKey  string
	agentID string
	http    *http.Client
}

// NewClient builds a broker client. agentID is sent as X-Agent-ID on every
// call per spec §6.
func NewClient(baseURL, apiKey, agentID string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		agentID: agentID,
		http:    &http.Client{},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.agentID != "" {
		req.Header.Set("X-Agent-ID", c.agentID)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RegisterAgent calls POST /agents (spec §4.3 step 1).
func (c *Client) RegisterAgent(ctx context.Context, name, role string, maxTasks int) (*persistence.AgentRecord, error) {
	var agent persistence.AgentRecord
	body := map[string]any{"agentId": c.agentID, "name": name, "role": role, "maxTasks": maxTasks}
	if err := c.do(ctx, http.MethodPost, "/agents", body, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Ping calls POST /ping (spec §4.3 poll loop step).
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/ping", nil, nil)
}

// Close calls POST /close on graceful shutdown (spec §4.3).
func (c *Client) Close(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/close", nil, nil)
}

// ListPausedTasks calls GET /api/paused-tasks for the resume sweep (spec
// §4.3 step 2).
func (c *Client) ListPausedTasks(ctx context.Context) ([]persistence.Task, error) {
	var tasks []persistence.Task
	if err := c.do(ctx, http.MethodGet, "/api/paused-tasks", nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Resume calls POST /api/tasks/:id/resume.
func (c *Client) Resume(ctx context.Context, taskID string) (*persistence.Task, error) {
	var task persistence.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/resume", nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Poll calls GET /api/poll?role=... and returns a trigger, or nil if the
// long-poll timed out with nothing to report.
func (c *Client) Poll(ctx context.Context, isLead bool) (*persistence.Trigger, error) {
	role := "worker"
	if isLead {
		role = "lead"
	}
	var trigger persistence.Trigger
	path := "/api/poll?role=" + url.QueryEscape(role)
	if err := c.do(ctx, http.MethodGet, path, nil, &trigger); err != nil {
		return nil, err
	}
	if trigger.Type == "" || trigger.Type == "none" {
		return nil, nil
	}
	return &trigger, nil
}

// Pause calls POST /api/tasks/:id/pause with the child's last reported
// progress (spec §4.3 graceful shutdown fallback).
func (c *Client) Pause(ctx context.Context, taskID, progress string) error {
	return c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/pause", map[string]any{"progress": progress}, nil)
}

// Finish calls POST /api/tasks/:id/finish (spec §4.3 reap step).
func (c *Client) Finish(ctx context.Context, taskID, status, output, failureReason string) (persistence.FinishResult, error) {
	var result persistence.FinishResult
	body := map[string]any{"status": status, "output": output, "failureReason": failureReason}
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+taskID+"/finish", body, &result); err != nil {
		return persistence.FinishResult{}, err
	}
	return result, nil
}

// AppendSessionLogs calls POST /api/session-logs (spec §4.3 child process
// contract: flush at >=50 lines or >=5s).
func (c *Client) AppendSessionLogs(ctx context.Context, sessionID, taskID, stream string, lines []string) error {
	body := map[string]any{"sessionId": sessionID, "taskId": taskID, "stream": stream, "lines": lines}
	return c.do(ctx, http.MethodPost, "/api/session-logs", body, nil)
}

// RecordSessionCost calls POST /api/session-costs, fire-and-forget from the
// caller's perspective (spec §4.3: a "result" line triggers this).
func (c *Client) RecordSessionCost(ctx context.Context, sessionID, taskID string, promptTokens, completionTokens int, estimatedCostUSD float64) error {
	body := map[string]any{
		"sessionId": sessionID, "taskId": taskID, "agentId": c.agentID,
		"promptTokens": promptTokens, "completionTokens": completionTokens, "estimatedCostUsd": estimatedCostUSD,
	}
	return c.do(ctx, http.MethodPost, "/api/session-costs", body, nil)
}

// TaskStatus calls GET /cancelled-tasks?taskId=... for the in-child
// cooperative-cancellation hook (spec §4.3 "Cancellation").
func (c *Client) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	var cancelled []persistence.Task
	if err := c.do(ctx, http.MethodGet, "/cancelled-tasks?taskId="+url.QueryEscape(taskID), nil, &cancelled); err != nil {
		return false, err
	}
	for _, t := range cancelled {
		if t.ID == taskID {
			return true, nil
		}
	}
	return false, nil
}

// pollTimeout returns an occupancy-adapted long-poll timeout: a fuller
// agent polls more eagerly so it notices free capacity sooner (spec §4.3
// step 3, "occupancy-adapted timeout").
func pollTimeout(activeCount, maxTasks int) time.Duration {
	if maxTasks <= 0 || activeCount >= maxTasks {
		return 2 * time.Second
	}
	if activeCount == 0 {
		return 55 * time.Second
	}
	return 20 * time.Second
}
