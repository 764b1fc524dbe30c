package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service mirrors a row of the services table: external MCP/tool services
// the runner's sandboxed children may reach, tracked for health reporting
// (SPEC_FULL §12, MCP session routing table).
type Service struct {
	ServiceID     string     `json:"serviceId"`
	Name          string     `json:"name"`
	Kind          string     `json:"kind"`
	Endpoint      string     `json:"endpoint"`
	Status        string     `json:"status"` // unknown|healthy|degraded|down
	LastCheckedAt *time.Time `json:"lastCheckedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// RegisterService upserts a service record.
func (s *Store) RegisterService(ctx context.Context, name, kind, endpoint string) (*Service, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (service_id, name, kind, endpoint, status, created_at)
		VALUES (?, ?, ?, ?, 'unknown', CURRENT_TIMESTAMP);
	`, id, name, kind, endpoint)
	if err != nil {
		return nil, fmt.Errorf("register service: %w", err)
	}
	return s.GetService(ctx, id)
}

// GetService returns a service by id.
func (s *Store) GetService(ctx context.Context, serviceID string) (*Service, error) {
	var svc Service
	err := s.db.QueryRowContext(ctx, `
		SELECT service_id, name, kind, endpoint, status, last_checked_at, created_at FROM services WHERE service_id = ?;
	`, serviceID).Scan(&svc.ServiceID, &svc.Name, &svc.Kind, &svc.Endpoint, &svc.Status, &svc.LastCheckedAt, &svc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: service %s", ErrNotFound, serviceID)
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return &svc, nil
}

// SetServiceHealth records the outcome of a health probe.
func (s *Store) SetServiceHealth(ctx context.Context, serviceID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE services SET status = ?, last_checked_at = CURRENT_TIMESTAMP WHERE service_id = ?;
	`, status, serviceID)
	if err != nil {
		return fmt.Errorf("set service health: %w", err)
	}
	return nil
}

// ListServices returns all registered services.
func (s *Store) ListServices(ctx context.Context) ([]Service, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_id, name, kind, endpoint, status, last_checked_at, created_at FROM services ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()
	var out []Service
	for rows.Next() {
		var svc Service
		if err := rows.Scan(&svc.ServiceID, &svc.Name, &svc.Kind, &svc.Endpoint, &svc.Status, &svc.LastCheckedAt, &svc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}
