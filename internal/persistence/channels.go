package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel mirrors a row of the channels table (spec §3: chat/source/mail
// integrations, routed through internal/channels adapters).
type Channel struct {
	ChannelID  string    `json:"channelId"`
	Kind       string    `json:"kind"` // slack|github|mail|telegram
	Name       string    `json:"name"`
	ConfigJSON string    `json:"config"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ChannelMessage mirrors a row of the channel_messages table.
type ChannelMessage struct {
	ID         int64     `json:"id"`
	ChannelID  string    `json:"channelId"`
	ExternalID string    `json:"externalId,omitempty"`
	Direction  string    `json:"direction"` // inbound|outbound
	Body       string    `json:"body"`
	TaskID     string    `json:"taskId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RegisterChannel upserts a channel integration record.
func (s *Store) RegisterChannel(ctx context.Context, channelID, kind, name, configJSON string) (*Channel, error) {
	if configJSON == "" {
		configJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (channel_id, kind, name, config_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'active', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(channel_id) DO UPDATE SET
			name = excluded.name, config_json = excluded.config_json, updated_at = CURRENT_TIMESTAMP;
	`, channelID, kind, name, configJSON)
	if err != nil {
		return nil, fmt.Errorf("register channel: %w", err)
	}
	return s.GetChannel(ctx, channelID)
}

// GetChannel returns a channel by id.
func (s *Store) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var c Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, kind, name, config_json, status, created_at, updated_at
		FROM channels WHERE channel_id = ?;
	`, channelID).Scan(&c.ChannelID, &c.Kind, &c.Name, &c.ConfigJSON, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: channel %s", ErrNotFound, channelID)
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &c, nil
}

// ListChannels returns all registered channels.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, kind, name, config_json, status, created_at, updated_at FROM channels ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []Channel
	for rows.Next() {
		var c Channel
		if err := rows.Scan(&c.ChannelID, &c.Kind, &c.Name, &c.ConfigJSON, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReleaseChannelHold clears the "processing" hold placed by the trigger
// resolver's unread_mentions claim (spec §4.2, step 3: held for a short
// interval, then available again).
func (s *Store) ReleaseChannelHold(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channels SET config_json = json_remove(config_json, '$.heldBy', '$.heldUntil') WHERE channel_id = ?;
	`, channelID)
	if err != nil {
		return fmt.Errorf("release channel hold: %w", err)
	}
	return nil
}

// RecordChannelMessage appends an inbound or outbound message to a channel's
// history and optionally links it to the task it produced/answered.
func (s *Store) RecordChannelMessage(ctx context.Context, channelID, externalID, direction, body, taskID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_messages (channel_id, external_id, direction, body, task_id)
		VALUES (?, ?, ?, ?, ?);
	`, channelID, nullIfEmpty(externalID), direction, body, nullIfEmpty(taskID))
	if err != nil {
		return 0, fmt.Errorf("record channel message: %w", err)
	}
	return res.LastInsertId()
}

// ListChannelMessages returns recent messages for a channel, newest last.
func (s *Store) ListChannelMessages(ctx context.Context, channelID string, limit int) ([]ChannelMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, COALESCE(external_id, ''), direction, body, COALESCE(task_id, ''), created_at
		FROM channel_messages WHERE channel_id = ? ORDER BY created_at DESC LIMIT ?;
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list channel messages: %w", err)
	}
	defer rows.Close()
	var out []ChannelMessage
	for rows.Next() {
		var m ChannelMessage
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.ExternalID, &m.Direction, &m.Body, &m.TaskID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// NewChannelID generates a channel identifier for a fresh registration.
func NewChannelID() string {
	return uuid.NewString()
}
