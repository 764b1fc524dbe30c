package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InboxMessage mirrors a row of the inbox_messages table (spec §4.4: queued
// on a possibly-offline lead when no agent is online to act on an event).
type InboxMessage struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agentId"`
	Source          string    `json:"source"`
	Sender          string    `json:"sender"`
	Subject         string    `json:"subject"`
	Body            string    `json:"body"`
	DedupKey        string    `json:"dedupKey,omitempty"`
	Status          string    `json:"status"`
	ExternalContext string    `json:"externalContext"`
	CreatedAt       time.Time `json:"createdAt"`
}

// EnqueueInboxMessage stores a message on agentID's inbox.
func (s *Store) EnqueueInboxMessage(ctx context.Context, agentID, source, sender, subject, body, dedupKey, externalContextJSON string) (string, error) {
	if externalContextJSON == "" {
		externalContextJSON = "{}"
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_messages (id, agent_id, source, sender, subject, body, dedup_key, status, external_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'unread', ?);
	`, id, agentID, source, sender, subject, body, nullIfEmpty(dedupKey), externalContextJSON)
	if err != nil {
		return "", fmt.Errorf("enqueue inbox message: %w", err)
	}
	return id, nil
}

// PeekUnreadInboxMessages returns up to limit unread messages for agentID
// without claiming them (used by dashboard/status views).
func (s *Store) PeekUnreadInboxMessages(ctx context.Context, agentID string, limit int) ([]InboxMessage, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, source, sender, subject, body, COALESCE(dedup_key, ''), status, external_context, created_at
		FROM inbox_messages WHERE agent_id = ? AND status = 'unread' ORDER BY created_at ASC LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("peek inbox messages: %w", err)
	}
	defer rows.Close()
	var out []InboxMessage
	for rows.Next() {
		var m InboxMessage
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Source, &m.Sender, &m.Subject, &m.Body, &m.DedupKey, &m.Status, &m.ExternalContext, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan inbox message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentTaskForDedup is the narrow projection the inbox router needs to
// evaluate dedup candidates (spec §4.4).
type RecentTaskForDedup struct {
	ID              string
	Description     string
	OwnerAgentID    string
	ExternalContext string
	CreatedAt       time.Time
}

// RecentTasksByCreator returns tasks created by creatorAgentID within the
// last `window`, newest first, for dedup candidate evaluation.
func (s *Store) RecentTasksByCreator(ctx context.Context, creatorAgentID string, window time.Duration) ([]RecentTaskForDedup, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, COALESCE(owner_agent_id, ''), external_context, created_at
		FROM tasks WHERE creator_agent_id = ? AND created_at >= ?
		ORDER BY created_at DESC;
	`, creatorAgentID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("recent tasks by creator: %w", err)
	}
	defer rows.Close()
	var out []RecentTaskForDedup
	for rows.Next() {
		var t RecentTaskForDedup
		if err := rows.Scan(&t.ID, &t.Description, &t.OwnerAgentID, &t.ExternalContext, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
