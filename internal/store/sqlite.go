// Package store implements the durable tier: an append-only event log plus
// mutable session and relationship tables on SQLite. This is the source of
// truth; every aggregate the server exposes is reconstructible from here.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/tracehub/internal/domain"
)

// SQLiteStore implements the durable event store on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// Write-ahead logging so concurrent ingestion and reads do not serialize
	// on the whole database. No effect for in-memory databases.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_app TEXT NOT NULL,
			session_id TEXT NOT NULL,
			hook_event_type TEXT NOT NULL,
			payload TEXT,
			parent_session_id TEXT,
			session_depth INTEGER,
			wave_id TEXT,
			delegation_context TEXT,
			chat TEXT,
			summary TEXT,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(hook_event_type, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_wave ON events(wave_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			source_app TEXT NOT NULL,
			session_type TEXT NOT NULL DEFAULT 'main',
			parent_session_id TEXT,
			start_time DATETIME NOT NULL,
			end_time DATETIME,
			duration_ms INTEGER,
			status TEXT NOT NULL DEFAULT 'active',
			agent_count INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, start_time)`,
		`CREATE TABLE IF NOT EXISTS session_relationships (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			parent_session_id TEXT NOT NULL,
			child_session_id TEXT NOT NULL,
			relationship_type TEXT NOT NULL DEFAULT 'parent/child',
			spawn_reason TEXT,
			delegation_type TEXT,
			depth_level INTEGER NOT NULL DEFAULT 0,
			session_path TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			completed_at DATETIME,
			UNIQUE(parent_session_id, child_session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_child ON session_relationships(child_session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relationships_parent ON session_relationships(parent_session_id)`,
		`CREATE TABLE IF NOT EXISTS agent_metrics (
			bucket DATETIME NOT NULL,
			agent_type TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			total_duration_ms INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (bucket, agent_type)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the durable tier is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &DurableError{Op: "ping", Err: err}
	}
	return nil
}

// AppendEvent durably records an event and assigns its monotonic ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (source_app, session_id, hook_event_type, payload, parent_session_id,
			session_depth, wave_id, delegation_context, chat, summary, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.SourceApp, event.SessionID, event.HookEventType,
		nullRaw(event.Payload), nullString(event.ParentSessionID),
		nullInt(event.SessionDepth), nullString(event.WaveID),
		nullRaw(event.DelegationContext), nullRaw(event.Chat),
		nullString(event.Summary), event.Timestamp)
	if err != nil {
		return &DurableError{Op: "append event", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return &DurableError{Op: "append event", Err: err}
	}
	event.ID = id
	return nil
}

// GetSessionEvents returns all events for one session in ascending ID order.
func (s *SQLiteStore) GetSessionEvents(ctx context.Context, sessionID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		eventColumns+` FROM events WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, &DurableError{Op: "get session events", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsSince returns events at or after the given time, ascending by ID.
func (s *SQLiteStore) GetEventsSince(ctx context.Context, ts time.Time) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		eventColumns+` FROM events WHERE timestamp >= ? ORDER BY id ASC`, ts)
	if err != nil {
		return nil, &DurableError{Op: "get events since", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetRecentEvents returns the newest events matching the filter, newest first.
func (s *SQLiteStore) GetRecentEvents(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error) {
	query := eventColumns + ` FROM events WHERE 1=1`
	var args []interface{}

	if filter.SourceApp != "" {
		query += ` AND source_app = ?`
		args = append(args, filter.SourceApp)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.HookEventType != "" {
		query += ` AND hook_event_type = ?`
		args = append(args, filter.HookEventType)
	}
	if filter.WaveID != "" {
		query += ` AND wave_id = ?`
		args = append(args, filter.WaveID)
	}
	if !filter.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, filter.Until)
	}

	query += ` ORDER BY id DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &DurableError{Op: "get recent events", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEventsByHookType tallies events per hook type inside a window.
func (s *SQLiteStore) CountEventsByHookType(ctx context.Context, since, until time.Time) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hook_event_type, COUNT(*) FROM events
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY hook_event_type`, since, until)
	if err != nil {
		return nil, &DurableError{Op: "count events", Err: err}
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var t string
		var n int64
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

// GetSession retrieves a session by ID. A missing session returns (nil, nil).
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var sess domain.Session
	var parent, metadata sql.NullString
	var endTime sql.NullTime
	var durationMs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, source_app, session_type, parent_session_id, start_time, end_time,
			duration_ms, status, agent_count, total_tokens, metadata
		 FROM sessions WHERE session_id = ?`, sessionID).Scan(
		&sess.SessionID, &sess.SourceApp, &sess.SessionType, &parent, &sess.StartTime,
		&endTime, &durationMs, &sess.Status, &sess.AgentCount, &sess.TotalTokens, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &DurableError{Op: "get session", Err: err}
	}
	if parent.Valid {
		sess.ParentSessionID = parent.String
	}
	if endTime.Valid {
		sess.EndTime = &endTime.Time
	}
	if durationMs.Valid {
		sess.DurationMs = durationMs.Int64
	}
	if metadata.Valid {
		sess.Metadata = []byte(metadata.String)
	}
	return &sess, nil
}

// UpsertSession creates a session or refreshes its mutable fields. The
// original start_time and any terminal status survive; duplicate and
// out-of-order start events are therefore harmless.
func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, source_app, session_type, parent_session_id,
			start_time, status, agent_count, total_tokens, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			source_app = excluded.source_app,
			session_type = excluded.session_type,
			parent_session_id = COALESCE(sessions.parent_session_id, excluded.parent_session_id),
			status = CASE WHEN sessions.status IN ('completed','failed','timeout','cancelled')
				THEN sessions.status ELSE excluded.status END,
			metadata = COALESCE(excluded.metadata, sessions.metadata)`,
		sess.SessionID, sess.SourceApp, sess.SessionType, nullString(sess.ParentSessionID),
		sess.StartTime, sess.Status, sess.AgentCount, sess.TotalTokens, nullRaw(sess.Metadata))
	if err != nil {
		return &DurableError{Op: "upsert session", Err: err}
	}
	return nil
}

// EnsureSession inserts a session only if no row exists yet. Used when a
// child's start event arrives before its parent's: the placeholder must not
// disturb a parent row already recorded with its real type and app.
func (s *SQLiteStore) EnsureSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, source_app, session_type, parent_session_id,
			start_time, status, agent_count, total_tokens, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO NOTHING`,
		sess.SessionID, sess.SourceApp, sess.SessionType, nullString(sess.ParentSessionID),
		sess.StartTime, sess.Status, sess.AgentCount, sess.TotalTokens, nullRaw(sess.Metadata))
	if err != nil {
		return &DurableError{Op: "ensure session", Err: err}
	}
	return nil
}

// CompleteSession moves a session to a terminal status. Returns false when
// the session is absent or already terminal.
func (s *SQLiteStore) CompleteSession(ctx context.Context, sessionID string, status domain.SessionStatus, endTime time.Time, durationMs int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, end_time = ?, duration_ms = ?
		 WHERE session_id = ? AND status NOT IN ('completed','failed','timeout','cancelled')`,
		status, endTime, durationMs, sessionID)
	if err != nil {
		return false, &DurableError{Op: "complete session", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, &DurableError{Op: "complete session", Err: err}
	}
	return affected > 0, nil
}

// AddSessionUsage accumulates token usage and agent activity onto a session.
func (s *SQLiteStore) AddSessionUsage(ctx context.Context, sessionID string, tokens int64, agents int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET total_tokens = total_tokens + ?, agent_count = agent_count + ?
		 WHERE session_id = ?`, tokens, agents, sessionID)
	if err != nil {
		return &DurableError{Op: "add session usage", Err: err}
	}
	return nil
}

// StaleActiveSessions returns active sessions whose last event is older than
// the cutoff (sessions with no events fall back to start_time).
func (s *SQLiteStore) StaleActiveSessions(ctx context.Context, cutoff time.Time, limit int) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.source_app, s.session_type, s.parent_session_id, s.start_time,
			s.end_time, s.duration_ms, s.status, s.agent_count, s.total_tokens, s.metadata
		 FROM sessions s
		 WHERE s.status = 'active'
		   AND COALESCE((SELECT MAX(e.timestamp) FROM events e WHERE e.session_id = s.session_id), s.start_time) < ?
		 ORDER BY s.start_time ASC
		 LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, &DurableError{Op: "stale sessions", Err: err}
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var sess domain.Session
		var parent, metadata sql.NullString
		var endTime sql.NullTime
		var durationMs sql.NullInt64
		if err := rows.Scan(&sess.SessionID, &sess.SourceApp, &sess.SessionType, &parent,
			&sess.StartTime, &endTime, &durationMs, &sess.Status, &sess.AgentCount,
			&sess.TotalTokens, &metadata); err != nil {
			return nil, err
		}
		if parent.Valid {
			sess.ParentSessionID = parent.String
		}
		if endTime.Valid {
			sess.EndTime = &endTime.Time
		}
		if durationMs.Valid {
			sess.DurationMs = durationMs.Int64
		}
		if metadata.Valid {
			sess.Metadata = []byte(metadata.String)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

const eventColumns = `SELECT id, source_app, session_id, hook_event_type, payload, parent_session_id,
	session_depth, wave_id, delegation_context, chat, summary, timestamp`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var payload, parent, wave, delegation, chat, summary sql.NullString
		var depth sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.SourceApp, &ev.SessionID, &ev.HookEventType,
			&payload, &parent, &depth, &wave, &delegation, &chat, &summary, &ev.Timestamp); err != nil {
			return nil, err
		}
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		if parent.Valid {
			ev.ParentSessionID = parent.String
		}
		if depth.Valid {
			ev.SessionDepth = int(depth.Int64)
		}
		if wave.Valid {
			ev.WaveID = wave.String
		}
		if delegation.Valid {
			ev.DelegationContext = []byte(delegation.String)
		}
		if chat.Valid {
			ev.Chat = []byte(chat.String)
		}
		if summary.Valid {
			ev.Summary = summary.String
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullRaw(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullInt(i int) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(i), Valid: true}
}
