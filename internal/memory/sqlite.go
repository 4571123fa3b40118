package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-backed message log, session store, and
// deletion-fingerprint set. All read paths degrade to empty results on
// query failure: they sit on the critical path of every history read
// and must never fail a request.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// NewSQLiteStoreDB wraps an existing database connection. Used by tests
// and by callers that share one connection across stores.
func NewSQLiteStoreDB(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	-- Sessions
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT,
		keywords TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- Append-only message log. seq is the emission order within the
	-- whole log; per-session order is (session_id, seq).
	CREATE TABLE IF NOT EXISTS log_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		name TEXT,
		tool_calls TEXT,
		tool_results TEXT,
		parts TEXT,
		keywords TEXT,
		ts INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_log_events_session ON log_events(session_id, seq);

	-- Soft-deletion fingerprints. Append-only; membership hides a
	-- logically-equivalent message from every view.
	CREATE TABLE IF NOT EXISTS deleted_fingerprints (
		session_id TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (session_id, fingerprint)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// DB returns the underlying database connection so other stores can
// share it without opening a second handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append writes one log event. Missing ID and Timestamp are filled in.
// The session row is created on first write.
func (s *SQLiteStore) Append(event LogEvent) (LogEvent, error) {
	if event.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return event, fmt.Errorf("generate id: %w", err)
		}
		event.ID = id.String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	if _, err := s.GetOrCreateSession(event.SessionID); err != nil {
		return event, err
	}

	_, err := s.db.Exec(`
		INSERT INTO log_events (id, session_id, role, content, name, tool_calls, tool_results, parts, keywords, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.SessionID, event.Role, event.Content, nullString(event.Name),
		jsonColumn(event.ToolCalls), jsonColumn(event.ToolResults),
		jsonColumn(event.Parts), jsonColumn(event.Keywords), event.Timestamp)
	if err != nil {
		return event, fmt.Errorf("insert log event: %w", err)
	}

	if err := s.TouchSession(event.SessionID); err != nil {
		return event, err
	}

	return event, nil
}

// Events returns all events for a session in emission order.
func (s *SQLiteStore) Events(sessionID string) []LogEvent {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, name, tool_calls, tool_results, parts, keywords, ts
		FROM log_events
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return []LogEvent{}
	}
	defer rows.Close()

	return scanEvents(rows)
}

// RecentEvents returns the last n events for a session, oldest first.
func (s *SQLiteStore) RecentEvents(sessionID string, n int) []LogEvent {
	if n <= 0 {
		return []LogEvent{}
	}

	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, name, tool_calls, tool_results, parts, keywords, ts
		FROM (
			SELECT seq, id, session_id, role, content, name, tool_calls, tool_results, parts, keywords, ts
			FROM log_events WHERE session_id = ?
			ORDER BY seq DESC LIMIT ?
		)
		ORDER BY seq ASC
	`, sessionID, n)
	if err != nil {
		return []LogEvent{}
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsMissingKeywords returns events whose keyword annotation has not
// been computed yet, in emission order.
func (s *SQLiteStore) EventsMissingKeywords(sessionID string) []LogEvent {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, name, tool_calls, tool_results, parts, keywords, ts
		FROM log_events
		WHERE session_id = ? AND (keywords IS NULL OR keywords = '')
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return []LogEvent{}
	}
	defer rows.Close()

	return scanEvents(rows)
}

// SetEventKeywords upserts the derived keyword annotation on one event.
// Purely additive enrichment: concurrent or duplicate calls converge.
// An empty list is stored as "[]" (computed, nothing found) rather than
// NULL so the indexer does not rescan the event forever.
func (s *SQLiteStore) SetEventKeywords(eventID string, keywords []string) error {
	if keywords == nil {
		keywords = []string{}
	}
	data, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE log_events SET keywords = ? WHERE id = ?
	`, string(data), eventID)
	if err != nil {
		return fmt.Errorf("set event keywords: %w", err)
	}
	return nil
}

// CountEvents returns the number of log events for a session.
func (s *SQLiteStore) CountEvents(sessionID string) int {
	var count int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM log_events WHERE session_id = ?`, sessionID).Scan(&count)
	return count
}

// GetSession retrieves a session by ID, or nil if it does not exist.
func (s *SQLiteStore) GetSession(id string) *Session {
	row := s.db.QueryRow(`
		SELECT id, title, keywords, created_at, updated_at FROM sessions WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if err != nil {
		return nil
	}
	return sess
}

// GetOrCreateSession ensures a session row exists and returns it.
func (s *SQLiteStore) GetOrCreateSession(id string) (*Session, error) {
	now := time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sessions (id, created_at, updated_at)
		VALUES (?, ?, ?)
	`, id, now, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if sess := s.GetSession(id); sess != nil {
		return sess, nil
	}
	return &Session{ID: id, CreatedAt: now, UpdatedAt: now}, nil
}

// SetSessionTitle sets the best-effort session title.
func (s *SQLiteStore) SetSessionTitle(id, title string) error {
	_, err := s.db.Exec(`UPDATE sessions SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("set session title: %w", err)
	}
	return nil
}

// SetSessionKeywords upserts the session-level keyword aggregate.
func (s *SQLiteStore) SetSessionKeywords(id string, keywords []string) error {
	_, err := s.db.Exec(`UPDATE sessions SET keywords = ? WHERE id = ?`, jsonColumn(keywords), id)
	if err != nil {
		return fmt.Errorf("set session keywords: %w", err)
	}
	return nil
}

// TouchSession bumps the session's updated_at timestamp.
func (s *SQLiteStore) TouchSession(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *SQLiteStore) ListSessions(limit int) []*Session {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
		SELECT id, title, keywords, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions
}

// Clear removes a session, its log events, and its deletion fingerprints.
// The only destructive operation in the store; everything else is
// append-only or upsert-only.
func (s *SQLiteStore) Clear(sessionID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM log_events WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM deleted_fingerprints WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return err
	}

	return tx.Commit()
}

// AddDeletedFingerprint records a soft-deletion fingerprint. Idempotent.
func (s *SQLiteStore) AddDeletedFingerprint(sessionID, fingerprint string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO deleted_fingerprints (session_id, fingerprint, created_at)
		VALUES (?, ?, ?)
	`, sessionID, fingerprint, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add deleted fingerprint: %w", err)
	}
	return nil
}

// DeletedFingerprints returns the soft-deletion set for a session.
func (s *SQLiteStore) DeletedFingerprints(sessionID string) map[string]struct{} {
	rows, err := s.db.Query(`
		SELECT fingerprint FROM deleted_fingerprints WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return map[string]struct{}{}
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			continue
		}
		set[fp] = struct{}{}
	}
	return set
}

// Stats returns store statistics.
func (s *SQLiteStore) Stats() map[string]any {
	var sessionCount, eventCount, deletedCount int

	_ = s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&sessionCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM log_events`).Scan(&eventCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM deleted_fingerprints`).Scan(&deletedCount)

	return map[string]any{
		"sessions":             sessionCount,
		"log_events":           eventCount,
		"deleted_fingerprints": deletedCount,
		"storage":              "sqlite",
	}
}

func scanEvents(rows *sql.Rows) []LogEvent {
	var events []LogEvent
	for rows.Next() {
		var e LogEvent
		var name, toolCalls, toolResults, parts, keywords sql.NullString
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &e.Content, &name,
			&toolCalls, &toolResults, &parts, &keywords, &e.Timestamp); err != nil {
			continue
		}
		if name.Valid {
			e.Name = name.String
		}
		decodeColumn(toolCalls, &e.ToolCalls)
		decodeColumn(toolResults, &e.ToolResults)
		decodeColumn(parts, &e.Parts)
		decodeColumn(keywords, &e.Keywords)
		events = append(events, e)
	}
	if events == nil {
		return []LogEvent{}
	}
	return events
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var title, keywords sql.NullString
	var createdAt, updatedAt time.Time

	if err := row.Scan(&sess.ID, &title, &keywords, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	sess.CreatedAt = createdAt
	sess.UpdatedAt = updatedAt
	if title.Valid {
		sess.Title = title.String
	}
	decodeColumn(keywords, &sess.Keywords)
	return &sess, nil
}

func scanSessionRow(rows *sql.Rows) (*Session, error) {
	var sess Session
	var title, keywords sql.NullString
	var createdAt, updatedAt time.Time

	if err := rows.Scan(&sess.ID, &title, &keywords, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	sess.CreatedAt = createdAt
	sess.UpdatedAt = updatedAt
	if title.Valid {
		sess.Title = title.String
	}
	decodeColumn(keywords, &sess.Keywords)
	return &sess, nil
}

// jsonColumn marshals v for storage, returning NULL for empty values.
func jsonColumn(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(data)
	if s == "null" || s == "[]" || s == "{}" {
		return nil
	}
	return s
}

// decodeColumn unmarshals a nullable JSON column into target, leaving
// target untouched on NULL or malformed data.
func decodeColumn[T any](col sql.NullString, target *T) {
	if !col.Valid || col.String == "" {
		return
	}
	var v T
	if err := json.Unmarshal([]byte(col.String), &v); err != nil {
		return
	}
	*target = v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
