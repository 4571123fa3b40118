package checkpoint

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Store persists one snapshot per session as a gzip-compressed JSON
// blob. Put replaces the previous snapshot for the session wholesale;
// the runtime only ever reports its latest state.
type Store struct {
	db *sql.DB
}

// NewStore creates a checkpoint store using the given database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			entries_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			entry_count INTEGER NOT NULL,
			stored_at TEXT NOT NULL
		);
	`)
	return err
}

// Put stores a snapshot, replacing any previous one for the session.
func (s *Store) Put(snap *Snapshot) error {
	entriesJSON, err := json.Marshal(snap.Entries)
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(entriesJSON); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}

	compressed := buf.Bytes()
	now := time.Now().UTC()

	_, err = s.db.Exec(`
		INSERT INTO checkpoints (session_id, ts, entries_gz, byte_size, entry_count, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			ts = excluded.ts,
			entries_gz = excluded.entries_gz,
			byte_size = excluded.byte_size,
			entry_count = excluded.entry_count,
			stored_at = excluded.stored_at
	`, snap.SessionID, snap.TS, compressed, len(compressed), len(snap.Entries), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}

	return nil
}

// Latest returns the snapshot for a session, or (nil, nil) when the
// session has never been checkpointed.
func (s *Store) Latest(sessionID string) (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT session_id, ts, entries_gz, stored_at
		FROM checkpoints WHERE session_id = ?
	`, sessionID)

	snap, err := s.scan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return snap, err
}

// Delete removes a session's snapshot. Used by explicit session clear.
func (s *Store) Delete(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Stats returns checkpoint store statistics.
func (s *Store) Stats() map[string]any {
	var count int
	var bytes int64
	_ = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(byte_size), 0) FROM checkpoints`).Scan(&count, &bytes)
	return map[string]any{
		"snapshots":  count,
		"total_gz_b": bytes,
	}
}

func (s *Store) scan(row *sql.Row) (*Snapshot, error) {
	var snap Snapshot
	var entriesGz []byte
	var storedStr string

	if err := row.Scan(&snap.SessionID, &snap.TS, &entriesGz, &storedStr); err != nil {
		return nil, err
	}
	snap.StoredAt, _ = time.Parse(time.RFC3339, storedStr)

	gr, err := gzip.NewReader(bytes.NewReader(entriesGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	entriesJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	if err := json.Unmarshal(entriesJSON, &snap.Entries); err != nil {
		return nil, fmt.Errorf("unmarshal entries: %w", err)
	}

	return &snap, nil
}
