package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Epic mirrors a row of the epics table (spec §3: named container of tasks
// with goal, status, computed progress).
type Epic struct {
	EpicID    string    `json:"epicId"`
	Name      string    `json:"name"`
	Goal      string    `json:"goal"`
	Status    string    `json:"status"` // draft|active|paused|completed|cancelled
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EpicProgress is the computed completed/total ratio for an epic.
type EpicProgress struct {
	EpicID    string  `json:"epicId"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Ratio     float64 `json:"progress"`
}

// CreateEpic inserts a new epic in draft status.
func (s *Store) CreateEpic(ctx context.Context, name, goal string) (*Epic, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO epics (epic_id, name, goal, status, created_at, updated_at)
		VALUES (?, ?, ?, 'draft', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, name, goal)
	if err != nil {
		return nil, fmt.Errorf("create epic: %w", err)
	}
	return s.GetEpic(ctx, id)
}

// GetEpic returns an epic by id.
func (s *Store) GetEpic(ctx context.Context, epicID string) (*Epic, error) {
	var e Epic
	err := s.db.QueryRowContext(ctx, `
		SELECT epic_id, name, goal, status, created_at, updated_at FROM epics WHERE epic_id = ?;
	`, epicID).Scan(&e.EpicID, &e.Name, &e.Goal, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: epic %s", ErrNotFound, epicID)
		}
		return nil, fmt.Errorf("get epic: %w", err)
	}
	return &e, nil
}

// SetEpicStatus updates an epic's lifecycle status.
func (s *Store) SetEpicStatus(ctx context.Context, epicID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE epics SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE epic_id = ?;
	`, status, epicID)
	if err != nil {
		return fmt.Errorf("set epic status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set epic status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: epic %s", ErrNotFound, epicID)
	}
	return nil
}

// ComputeEpicProgress returns the completed/total task ratio for an epic.
func (s *Store) ComputeEpicProgress(ctx context.Context, epicID string) (EpicProgress, error) {
	var total, completed int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE epic_id = ?;`, epicID).Scan(&total); err != nil {
		return EpicProgress{}, fmt.Errorf("count epic tasks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE epic_id = ? AND status = ?;`, epicID, TaskStatusCompleted).Scan(&completed); err != nil {
		return EpicProgress{}, fmt.Errorf("count completed epic tasks: %w", err)
	}
	ratio := 0.0
	if total > 0 {
		ratio = float64(completed) / float64(total)
	}
	return EpicProgress{EpicID: epicID, Completed: completed, Total: total, Ratio: ratio}, nil
}

// MarkEpicStatsChanged flags an epic as having changed task stats, debounced
// at emission time by the trigger resolver (spec §11 Open Question
// resolution: epic_progress_changed debounced to 30s).
func (s *Store) MarkEpicStatsChanged(ctx context.Context, epicID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE epics SET stats_changed_at = CURRENT_TIMESTAMP WHERE epic_id = ? AND stats_changed_at IS NULL;
	`, epicID)
	if err != nil {
		return fmt.Errorf("mark epic stats changed: %w", err)
	}
	return nil
}

// ListEpics returns all epics ordered by creation time.
func (s *Store) ListEpics(ctx context.Context) ([]Epic, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT epic_id, name, goal, status, created_at, updated_at FROM epics ORDER BY created_at ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	defer rows.Close()
	var out []Epic
	for rows.Next() {
		var e Epic
		if err := rows.Scan(&e.EpicID, &e.Name, &e.Goal, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan epic: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
