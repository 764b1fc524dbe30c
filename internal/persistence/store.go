package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/orbiter-labs/fleetbroker/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// schema ledger: base broker schema (tasks/agents/inbox/channels/epics).
	schemaVersionV1  = 1
	schemaChecksumV1 = "fb-v1-2026-04-01-base-schema"

	// v2: adds epics.stats_changed_at for debounced epic_progress_changed triggers.
	schemaVersionV2  = 2
	schemaChecksumV2 = "fb-v2-2026-04-03-epic-debounce"

	// v3: adds session_costs/session_logs for pricing and child-process capture.
	schemaVersionV3  = 3
	schemaChecksumV3 = "fb-v3-2026-04-05-session-accounting"

	// v4: splits agents.identity_path into five identity blob columns and
	// adds agents.empty_poll_count.
	schemaVersionV4  = 4
	schemaChecksumV4 = "fb-v4-2026-07-12-agent-identity-blobs"

	schemaVersionLatest  = schemaVersionV4
	schemaChecksumLatest = schemaChecksumV4

	// maxIdentityBlobBytes bounds each of the five agent identity fields
	// (spec §3: "persisted identity blobs, five free-text fields, each
	// <= 64 KiB"), enforced at the application layer since SQLite has no
	// byte-length CHECK constraint worth the brittleness.
	maxIdentityBlobBytes = 64 * 1024

	defaultLeaseDuration = 30 * time.Second
	defaultMaxAttempts   = 3
)

// TaskStatus is one of the eleven states of the task lifecycle engine (spec §4.1).
type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "backlog"
	TaskStatusUnassigned TaskStatus = "unassigned"
	TaskStatusOffered    TaskStatus = "offered"
	TaskStatusReviewing  TaskStatus = "reviewing"
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// terminalStatuses are states from which no further transition is allowed.
var terminalStatuses = map[TaskStatus]struct{}{
	TaskStatusCompleted: {},
	TaskStatusFailed:    {},
	TaskStatusCancelled: {},
}

// IsTerminal reports whether a status is completed/failed/cancelled.
func (t TaskStatus) IsTerminal() bool {
	_, ok := terminalStatuses[t]
	return ok
}

// allowedTransitions encodes the state machine table from spec §4.1. "cancel"
// is handled separately since it applies from any non-terminal state.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusBacklog: {
		TaskStatusUnassigned: {},
	},
	TaskStatusUnassigned: {
		TaskStatusPending: {},
	},
	TaskStatusOffered: {
		TaskStatusReviewing: {},
	},
	TaskStatusReviewing: {
		TaskStatusPending:    {},
		TaskStatusUnassigned: {},
		TaskStatusFailed:     {},
	},
	TaskStatusPending: {
		TaskStatusInProgress: {},
	},
	TaskStatusInProgress: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusPaused:    {},
	},
	TaskStatusPaused: {
		TaskStatusInProgress: {},
	},
}

// transitionAllowed reports whether from->to is legal, including the
// any-non-terminal->cancelled escape hatch.
func transitionAllowed(from, to TaskStatus) bool {
	if to == TaskStatusCancelled {
		return !from.IsTerminal()
	}
	if m, ok := allowedTransitions[from]; ok {
		if _, ok := m[to]; ok {
			return true
		}
	}
	return false
}

// Task mirrors a row of the tasks table (spec §3, data model).
type Task struct {
	ID              string     `json:"id"`
	OwnerAgentID    string     `json:"ownerAgentId,omitempty"`
	CreatorAgentID  string     `json:"creatorAgentId"`
	Description     string     `json:"description"`
	Status          TaskStatus `json:"status"`
	Source          string     `json:"source"` // mcp|slack|api|github|agentmail|scheduled
	Type            string     `json:"type,omitempty"`
	Tags            string     `json:"tags,omitempty"` // JSON array
	Priority        int        `json:"priority"`
	DependsOn       string     `json:"dependsOn,omitempty"` // JSON array of task ids
	OfferedTo       string     `json:"offeredTo,omitempty"`
	OfferedAt       *time.Time `json:"offeredAt,omitempty"`
	AcceptedAt      *time.Time `json:"acceptedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	EpicID          string     `json:"epicId,omitempty"`
	ParentTaskID    string     `json:"parentTaskId,omitempty"`
	ClaudeSessionID string     `json:"claudeSessionId,omitempty"`
	ExternalContext string     `json:"externalContext,omitempty"` // JSON blob: slack/source host/mail/mention origin
	Output          string     `json:"output,omitempty"`
	FailureReason   string     `json:"failureReason,omitempty"`
	Progress        string     `json:"progress,omitempty"`
	CreatedAt       time.Time  `json:"created"`
	LastUpdated     time.Time  `json:"lastUpdated"`
	FinishedAt      *time.Time `json:"finished,omitempty"`
	NotifiedAt      *time.Time `json:"notified,omitempty"`
}

// AgentRecord represents a row in the agents table.
type AgentRecord struct {
	AgentID             string    `json:"agentId"`
	Name                string    `json:"name"`
	Role                string    `json:"role"` // lead|worker
	CapabilityTags      string    `json:"capabilityTags,omitempty"` // JSON array
	IdentityPersona     string    `json:"identityPersona,omitempty"`
	IdentityValues      string    `json:"identityValues,omitempty"`
	IdentityVoice       string    `json:"identityVoice,omitempty"`
	IdentityConstraints string    `json:"identityConstraints,omitempty"`
	IdentityNotes       string    `json:"identityNotes,omitempty"`
	MaxTasks            int       `json:"maxTasks"`
	Status              string    `json:"status"` // idle|busy|offline
	EmptyPollCount      int       `json:"emptyPollCount"`
	LastSeenAt          time.Time `json:"lastSeenAt"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// TaskEvent is an append-only audit trail row for a task's transitions.
type TaskEvent struct {
	EventID     int64      `json:"eventId"`
	TaskID      string     `json:"taskId"`
	EventType   string     `json:"eventType"`
	StateFrom   TaskStatus `json:"stateFrom,omitempty"`
	StateTo     TaskStatus `json:"stateTo"`
	PayloadJSON string     `json:"payload"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleetbroker", "broker.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of
// the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := []struct {
		version  int
		checksum string
	}{
		{schemaVersionV1, schemaChecksumV1},
		{schemaVersionV2, schemaChecksumV2},
		{schemaVersionV3, schemaChecksumV3},
		{schemaVersionV4, schemaChecksumV4},
	}

	if maxVersion > 0 {
		matched := false
		for _, vc := range versionChecksums {
			if maxVersion != vc.version {
				continue
			}
			matched = true
			var existingChecksum string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, vc.version).Scan(&existingChecksum); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existingChecksum != vc.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", vc.version, existingChecksum, vc.checksum)
			}
			break
		}
		if !matched {
			return fmt.Errorf("db schema version %d is not recognized", maxVersion)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'worker' CHECK(role IN ('lead', 'worker')),
			capability_tags TEXT NOT NULL DEFAULT '[]',
			identity_persona TEXT NOT NULL DEFAULT '',
			identity_values TEXT NOT NULL DEFAULT '',
			identity_voice TEXT NOT NULL DEFAULT '',
			identity_constraints TEXT NOT NULL DEFAULT '',
			identity_notes TEXT NOT NULL DEFAULT '',
			max_tasks INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle', 'busy', 'offline')),
			empty_poll_count INTEGER NOT NULL DEFAULT 0,
			last_seen_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_name_nocase ON agents(name COLLATE NOCASE);`,
		`CREATE TABLE IF NOT EXISTS epics (
			epic_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			goal TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'draft' CHECK(status IN ('draft', 'active', 'paused', 'completed', 'cancelled')),
			stats_changed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			owner_agent_id TEXT,
			creator_agent_id TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN (
				'backlog', 'unassigned', 'offered', 'reviewing', 'pending',
				'in_progress', 'paused', 'completed', 'failed', 'cancelled'
			)),
			source TEXT NOT NULL DEFAULT 'api' CHECK(source IN ('mcp', 'slack', 'api', 'github', 'agentmail', 'scheduled')),
			type TEXT,
			tags TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 50,
			depends_on TEXT NOT NULL DEFAULT '[]',
			offered_to TEXT,
			offered_at DATETIME,
			accepted_at DATETIME,
			rejection_reason TEXT,
			epic_id TEXT REFERENCES epics(epic_id),
			parent_task_id TEXT REFERENCES tasks(id),
			claude_session_id TEXT,
			external_context TEXT NOT NULL DEFAULT '{}',
			output TEXT,
			failure_reason TEXT,
			progress TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at DATETIME,
			notified_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner_status ON tasks(owner_agent_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_offeredto_status ON tasks(offered_to, status);`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL REFERENCES tasks(id),
			depends_on_task_id TEXT NOT NULL REFERENCES tasks(id),
			PRIMARY KEY (task_id, depends_on_task_id)
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS inbox_messages (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			source TEXT NOT NULL,
			sender TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL,
			dedup_key TEXT,
			status TEXT NOT NULL DEFAULT 'unread' CHECK(status IN ('unread', 'read', 'archived')),
			external_context TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_agent_status ON inbox_messages(agent_id, status);`,
		`CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('slack', 'github', 'mail', 'telegram')),
			name TEXT NOT NULL,
			config_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'paused', 'error')),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS channel_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL REFERENCES channels(channel_id),
			external_id TEXT,
			direction TEXT NOT NULL CHECK(direction IN ('inbound', 'outbound')),
			body TEXT NOT NULL,
			task_id TEXT REFERENCES tasks(id),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_channel_messages_channel_created ON channel_messages(channel_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS services (
			service_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'mcp',
			endpoint TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'unknown' CHECK(status IN ('unknown', 'healthy', 'degraded', 'down')),
			last_checked_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS session_costs (
			session_id TEXT PRIMARY KEY,
			task_id TEXT REFERENCES tasks(id),
			agent_id TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost_usd REAL NOT NULL DEFAULT 0.0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS session_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			task_id TEXT REFERENCES tasks(id),
			stream TEXT NOT NULL DEFAULT 'stdout' CHECK(stream IN ('stdout', 'stderr')),
			line TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_logs_session ON session_logs(session_id, id);`,
		`CREATE TABLE IF NOT EXISTS policy_versions (
			policy_version TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			loaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			source TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			policy_version TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			agent_id TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if maxVersion < schemaVersionLatest {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)
			ON CONFLICT(version) DO NOTHING;
		`, schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
