package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// RegisterAgentParams mirrors spec §4.3 step 1: "register via POST /agents
// with maxTasks = MAX_CONCURRENT".
type RegisterAgentParams struct {
	AgentID             string
	Name                string
	Role                string // lead|worker
	CapabilityTags      []string
	IdentityPersona     string
	IdentityValues      string
	IdentityVoice       string
	IdentityConstraints string
	IdentityNotes       string
	MaxTasks            int
}

// identityBlobs pairs each identity field with its column name, for the
// uniform 64 KiB size check in RegisterAgent.
func (p RegisterAgentParams) identityBlobs() map[string]string {
	return map[string]string{
		"identityPersona":     p.IdentityPersona,
		"identityValues":      p.IdentityValues,
		"identityVoice":       p.IdentityVoice,
		"identityConstraints": p.IdentityConstraints,
		"identityNotes":       p.IdentityNotes,
	}
}

// RegisterAgent upserts an agent identity, used both for first registration
// and for a restarted runner resuming with the same agent id.
func (s *Store) RegisterAgent(ctx context.Context, p RegisterAgentParams) (*AgentRecord, error) {
	if p.Role == "" {
		p.Role = "worker"
	}
	if p.MaxTasks <= 0 {
		p.MaxTasks = 1
	}
	for field, v := range p.identityBlobs() {
		if len(v) > maxIdentityBlobBytes {
			return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrValidation, field, maxIdentityBlobBytes)
		}
	}
	tagsJSON := "[]"
	if len(p.CapabilityTags) > 0 {
		b, err := marshalStrings(p.CapabilityTags)
		if err != nil {
			return nil, err
		}
		tagsJSON = b
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (
			agent_id, name, role, capability_tags,
			identity_persona, identity_values, identity_voice, identity_constraints, identity_notes,
			max_tasks, status, empty_poll_count, last_seen_at, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'idle', 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name, role = excluded.role, capability_tags = excluded.capability_tags,
			identity_persona = excluded.identity_persona, identity_values = excluded.identity_values,
			identity_voice = excluded.identity_voice, identity_constraints = excluded.identity_constraints,
			identity_notes = excluded.identity_notes, max_tasks = excluded.max_tasks,
			status = CASE WHEN agents.status = 'offline' THEN 'idle' ELSE agents.status END,
			empty_poll_count = 0,
			last_seen_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP;
	`, p.AgentID, p.Name, p.Role, tagsJSON,
		p.IdentityPersona, p.IdentityValues, p.IdentityVoice, p.IdentityConstraints, p.IdentityNotes,
		p.MaxTasks)
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	return s.GetAgent(ctx, p.AgentID)
}

// GetAgent returns the agent record for the given ID.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	var rec AgentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, name, role, capability_tags,
			identity_persona, identity_values, identity_voice, identity_constraints, identity_notes,
			max_tasks, status, empty_poll_count,
			COALESCE(last_seen_at, created_at), created_at, updated_at
		FROM agents WHERE agent_id = ?;
	`, agentID).Scan(&rec.AgentID, &rec.Name, &rec.Role, &rec.CapabilityTags,
		&rec.IdentityPersona, &rec.IdentityValues, &rec.IdentityVoice, &rec.IdentityConstraints, &rec.IdentityNotes,
		&rec.MaxTasks, &rec.Status, &rec.EmptyPollCount, &rec.LastSeenAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &rec, nil
}

// ListAgents returns all agent records ordered by creation time.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, name, role, capability_tags,
			identity_persona, identity_values, identity_voice, identity_constraints, identity_notes,
			max_tasks, status, empty_poll_count,
			COALESCE(last_seen_at, created_at), created_at, updated_at
		FROM agents ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := rows.Scan(&rec.AgentID, &rec.Name, &rec.Role, &rec.CapabilityTags,
			&rec.IdentityPersona, &rec.IdentityValues, &rec.IdentityVoice, &rec.IdentityConstraints, &rec.IdentityNotes,
			&rec.MaxTasks, &rec.Status, &rec.EmptyPollCount, &rec.LastSeenAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// Ping updates lastUpdated for the agent (spec §4.3 poll loop: "Emit ping so
// broker updates lastUpdated").
func (s *Store) Ping(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_seen_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, agentID)
	if err != nil {
		return fmt.Errorf("ping agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ping rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return nil
}

// updateEmptyPollCount resets the counter to 0 on a successful trigger
// delivery, or increments it after a poll that resolved nothing, per spec
// §3's "emptyPollCount reset on any registration or successful trigger
// delivery". Runs outside ResolveTrigger's own transaction since the no-op
// poll path ends in a rollback.
func (s *Store) updateEmptyPollCount(ctx context.Context, agentID string, delivered bool) error {
	var err error
	if delivered {
		_, err = s.db.ExecContext(ctx, `UPDATE agents SET empty_poll_count = 0 WHERE agent_id = ?;`, agentID)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE agents SET empty_poll_count = empty_poll_count + 1 WHERE agent_id = ?;`, agentID)
	}
	if err != nil {
		return fmt.Errorf("update empty poll count: %w", err)
	}
	return nil
}

// CloseAgent marks an agent offline (spec §4.3 graceful shutdown: "call close
// to mark agent offline").
func (s *Store) CloseAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = 'offline', updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
	`, agentID)
	if err != nil {
		return fmt.Errorf("close agent: %w", err)
	}
	return nil
}

// ActiveTaskCount returns the agent's current pending+in_progress count,
// used for capacity-aware poll-timeout adaptation in the runner.
func (s *Store) ActiveTaskCount(ctx context.Context, agentID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE owner_agent_id = ? AND status IN (?, ?);
	`, agentID, TaskStatusPending, TaskStatusInProgress).Scan(&n); err != nil {
		return 0, fmt.Errorf("active task count: %w", err)
	}
	return n, nil
}

func marshalStrings(ss []string) (string, error) {
	b, err := json.Marshal(ss)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return string(b), nil
}
