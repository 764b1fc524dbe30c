package persistence

import (
	"context"
	"fmt"
	"time"
)

// SessionCost mirrors a row of the session_costs table, populated by the
// runner's fire-and-forget POST /session-costs on a child's "result" line
// carrying total_cost_usd and usage (spec §4.3, child process contract).
type SessionCost struct {
	SessionID         string    `json:"sessionId"`
	TaskID            string    `json:"taskId,omitempty"`
	AgentID           string    `json:"agentId"`
	PromptTokens      int       `json:"promptTokens"`
	CompletionTokens  int       `json:"completionTokens"`
	EstimatedCostUSD  float64   `json:"estimatedCostUsd"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// RecordSessionCost upserts accumulated token/cost totals for a session.
func (s *Store) RecordSessionCost(ctx context.Context, sessionID, taskID, agentID string, promptTokens, completionTokens int, estimatedCostUSD float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_costs (session_id, task_id, agent_id, prompt_tokens, completion_tokens, estimated_cost_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			prompt_tokens = prompt_tokens + excluded.prompt_tokens,
			completion_tokens = completion_tokens + excluded.completion_tokens,
			estimated_cost_usd = estimated_cost_usd + excluded.estimated_cost_usd,
			updated_at = CURRENT_TIMESTAMP;
	`, sessionID, nullIfEmpty(taskID), agentID, promptTokens, completionTokens, estimatedCostUSD)
	if err != nil {
		return fmt.Errorf("record session cost: %w", err)
	}
	return nil
}

// SessionLogLine mirrors a row of the session_logs table, populated by the
// runner's stdout batching (spec §4.3: flush at >=50 lines or >=5s).
type SessionLogLine struct {
	SessionID string    `json:"sessionId"`
	TaskID    string    `json:"taskId,omitempty"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"createdAt"`
}

// AppendSessionLogLines bulk-inserts a batch of stdout/stderr lines flushed
// by the runner.
func (s *Store) AppendSessionLogLines(ctx context.Context, sessionID, taskID, stream string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append session log tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_logs (session_id, task_id, stream, line) VALUES (?, ?, ?, ?);
	`)
	if err != nil {
		return fmt.Errorf("prepare session log insert: %w", err)
	}
	defer stmt.Close()

	for _, line := range lines {
		if _, err := stmt.ExecContext(ctx, sessionID, nullIfEmpty(taskID), stream, line); err != nil {
			return fmt.Errorf("insert session log line: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append session log tx: %w", err)
	}
	return nil
}

// ListSessionLogLines returns log lines for a session in insertion order.
func (s *Store) ListSessionLogLines(ctx context.Context, sessionID string, limit int) ([]SessionLogLine, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COALESCE(task_id, ''), stream, line, created_at
		FROM session_logs WHERE session_id = ? ORDER BY id ASC LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session log lines: %w", err)
	}
	defer rows.Close()
	var out []SessionLogLine
	for rows.Next() {
		var l SessionLogLine
		if err := rows.Scan(&l.SessionID, &l.TaskID, &l.Stream, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session log line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
