package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTaskEvents    int64 `json:"purgedTaskEvents"`
	PurgedAuditLogs     int64 `json:"purgedAuditLogs"`
	PurgedSessionLogs   int64 `json:"purgedSessionLogs"`
	PurgedInboxMessages int64 `json:"purgedInboxMessages"`
}

// RunRetention deletes records older than the configured retention windows.
// Each category uses a separate DELETE with its own cutoff. The job is
// idempotent: a cutoff in the past with nothing to purge is a no-op.
func (s *Store) RunRetention(ctx context.Context, taskEventDays, auditLogDays, sessionLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if taskEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -taskEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if sessionLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -sessionLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM session_logs WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge session_logs: %w", err)
		}
		result.PurgedSessionLogs, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `DELETE FROM inbox_messages WHERE status = 'archived' AND created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge inbox_messages: %w", err)
		}
		result.PurgedInboxMessages, _ = res.RowsAffected()
	}

	return result, nil
}
