package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Trigger is the single envelope returned by a poll cycle (spec §4.2).
type Trigger struct {
	Type           string `json:"type"`
	TaskID         string `json:"taskId,omitempty"`
	Task           *Task  `json:"task,omitempty"`
	ChannelID      string `json:"channelId,omitempty"`
	InboxMessageID string `json:"inboxMessageId,omitempty"`
	EpicID         string `json:"epicId,omitempty"`
	PoolCount      int    `json:"poolCount,omitempty"`
}

const channelHoldInterval = 10 * time.Second

// ResolveTrigger computes and atomically claims the highest-priority trigger
// for the calling agent, per the priority order in spec §4.2. Every claim
// happens inside the same transaction as its discovery query so two pollers
// can never both observe the same resource.
func (s *Store) ResolveTrigger(ctx context.Context, agentID string, isLead bool) (*Trigger, error) {
	var trig *Trigger
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve trigger tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		trig = nil

		// 1. task_offered
		var offeredID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM tasks WHERE status = ? AND offered_to = ?
			ORDER BY priority DESC, created_at ASC LIMIT 1;
		`, TaskStatusOffered, agentID).Scan(&offeredID)
		if err == nil {
			ok, terr := s.transitionTaskTx(ctx, tx, offeredID, TaskStatusOffered, TaskStatusReviewing, "task.offer_claimed", "{}")
			if terr != nil {
				return terr
			}
			if ok {
				task, gerr := getTaskTx(ctx, tx, offeredID)
				if gerr != nil {
					return gerr
				}
				trig = &Trigger{Type: "task_offered", TaskID: offeredID, Task: task}
				return tx.Commit()
			}
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("query task_offered: %w", err)
		}

		// 2. task_assigned (only if the agent has capacity)
		ok, capErr := agentHasCapacityTx(ctx, tx, agentID)
		if capErr != nil {
			return capErr
		}
		if ok {
			var pendingID string
			err = tx.QueryRowContext(ctx, `
				SELECT id FROM tasks WHERE status = ? AND owner_agent_id = ?
				ORDER BY priority DESC, created_at ASC LIMIT 1;
			`, TaskStatusPending, agentID).Scan(&pendingID)
			if err == nil {
				transitioned, terr := s.transitionTaskTx(ctx, tx, pendingID, TaskStatusPending, TaskStatusInProgress, "task.dispatched", "{}")
				if terr != nil {
					return terr
				}
				if transitioned {
					task, gerr := getTaskTx(ctx, tx, pendingID)
					if gerr != nil {
						return gerr
					}
					trig = &Trigger{Type: "task_assigned", TaskID: pendingID, Task: task}
					return tx.Commit()
				}
			} else if err != sql.ErrNoRows {
				return fmt.Errorf("query task_assigned: %w", err)
			}
		}

		// 3. unread_mentions: channel_messages mentioning me whose channel is not held.
		var channelID string
		err = tx.QueryRowContext(ctx, `
			SELECT cm.channel_id FROM channel_messages cm
			JOIN channels c ON c.channel_id = cm.channel_id
			WHERE cm.direction = 'inbound' AND cm.body LIKE '%' || ? || '%'
			  AND c.status = 'active'
			  AND (json_extract(c.config_json, '$.heldBy') IS NULL
			       OR json_extract(c.config_json, '$.heldUntil') < CURRENT_TIMESTAMP)
			ORDER BY cm.created_at ASC LIMIT 1;
		`, "@"+agentID).Scan(&channelID)
		if err == nil {
			if _, terr := tx.ExecContext(ctx, `
				UPDATE channels SET config_json = json_set(config_json, '$.heldBy', ?, '$.heldUntil', ?)
				WHERE channel_id = ?;
			`, agentID, time.Now().UTC().Add(channelHoldInterval), channelID); terr != nil {
				return fmt.Errorf("hold channel for mention: %w", terr)
			}
			trig = &Trigger{Type: "unread_mentions", ChannelID: channelID}
			return tx.Commit()
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("query unread_mentions: %w", err)
		}

		if isLead {
			// 4a. slack_inbox_message: up to 5 unread rows owned by me.
			var msgID string
			err = tx.QueryRowContext(ctx, `
				SELECT id FROM inbox_messages WHERE agent_id = ? AND status = 'unread'
				ORDER BY created_at ASC LIMIT 1;
			`, agentID).Scan(&msgID)
			if err == nil {
				if _, terr := tx.ExecContext(ctx, `UPDATE inbox_messages SET status = 'read' WHERE id = ? AND status = 'unread';`, msgID); terr != nil {
					return fmt.Errorf("claim inbox message: %w", terr)
				}
				trig = &Trigger{Type: "slack_inbox_message", InboxMessageID: msgID}
				return tx.Commit()
			} else if err != sql.ErrNoRows {
				return fmt.Errorf("query slack_inbox_message: %w", err)
			}

			// 4b. epic_progress_changed: active epics whose stats changed since notified,
			// debounced to 30s (SPEC_FULL §11).
			var epicID string
			err = tx.QueryRowContext(ctx, `
				SELECT epic_id FROM epics
				WHERE status = 'active' AND stats_changed_at IS NOT NULL
				  AND stats_changed_at <= datetime('now', '-30 seconds')
				ORDER BY stats_changed_at ASC LIMIT 1;
			`).Scan(&epicID)
			if err == nil {
				if _, terr := tx.ExecContext(ctx, `UPDATE epics SET stats_changed_at = NULL WHERE epic_id = ?;`, epicID); terr != nil {
					return fmt.Errorf("debounce epic trigger: %w", terr)
				}
				trig = &Trigger{Type: "epic_progress_changed", EpicID: epicID}
				return tx.Commit()
			} else if err != sql.ErrNoRows {
				return fmt.Errorf("query epic_progress_changed: %w", err)
			}
		} else {
			// 5. pool_tasks_available: count only, never claimed.
			var count int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status = ?;`, TaskStatusUnassigned).Scan(&count); err != nil {
				return fmt.Errorf("count pool tasks: %w", err)
			}
			if count > 0 {
				trig = &Trigger{Type: "pool_tasks_available", PoolCount: count}
				return tx.Commit()
			}
		}

		return tx.Rollback()
	})
	if err != nil {
		return nil, err
	}
	if uerr := s.updateEmptyPollCount(ctx, agentID, trig != nil); uerr != nil {
		return nil, uerr
	}
	return trig, nil
}

func agentHasCapacityTx(ctx context.Context, tx *sql.Tx, agentID string) (bool, error) {
	var maxTasks int
	if err := tx.QueryRowContext(ctx, `SELECT max_tasks FROM agents WHERE agent_id = ?;`, agentID).Scan(&maxTasks); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("read agent capacity: %w", err)
	}
	var activeCount int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE owner_agent_id = ? AND status IN (?, ?);
	`, agentID, TaskStatusPending, TaskStatusInProgress).Scan(&activeCount); err != nil {
		return false, fmt.Errorf("count active tasks: %w", err)
	}
	return activeCount < maxTasks, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, taskID string) (*Task, error) {
	var t Task
	row := tx.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?;`, taskID)
	if err := scanTaskRow(row, &t); err != nil {
		return nil, fmt.Errorf("get task in tx: %w", err)
	}
	return &t, nil
}
