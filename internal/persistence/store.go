// Package persistence provides SQLite-backed session persistence so
// conversations survive bridge restarts.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/workspace/session-bridge/internal/bridge"
)

// Store persists one row per session. It satisfies bridge.Store.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite tuning for write-heavy workloads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies schema migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying persistence migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the sessions table. Aggregate sub-collections are
// stored as JSON blobs: they are read and written whole, never queried
// into.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			backend_kind TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '{}',
			message_history TEXT NOT NULL DEFAULT '[]',
			pending_messages TEXT NOT NULL DEFAULT '[]',
			pending_permissions TEXT NOT NULL DEFAULT '[]',
			event_buffer TEXT NOT NULL DEFAULT '[]',
			processed_ids TEXT NOT NULL DEFAULT '[]',
			next_event_seq INTEGER NOT NULL DEFAULT 1,
			last_ack_seq INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Save upserts one session record.
func (s *Store) Save(rec bridge.PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	history, err := marshalList(rec.MessageHistory)
	if err != nil {
		return fmt.Errorf("marshal message history: %w", err)
	}
	pending, err := marshalList(rec.PendingMessages)
	if err != nil {
		return fmt.Errorf("marshal pending messages: %w", err)
	}
	perms, err := marshalList(rec.PendingPermissions)
	if err != nil {
		return fmt.Errorf("marshal pending permissions: %w", err)
	}
	buffer, err := marshalList(rec.EventBuffer)
	if err != nil {
		return fmt.Errorf("marshal event buffer: %w", err)
	}
	processed, err := marshalList(rec.ProcessedClientMessageIDs)
	if err != nil {
		return fmt.Errorf("marshal processed ids: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO sessions
			(id, backend_kind, state, message_history, pending_messages, pending_permissions, event_buffer, processed_ids, next_event_seq, last_ack_seq, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.BackendKind), string(state), history, pending, perms, buffer, processed,
		rec.NextEventSeq, rec.LastAckSeq, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadAll returns every persisted session record. Malformed JSON columns
// are logged and replaced with their empty values rather than failing the
// whole restore.
func (s *Store) LoadAll() ([]bridge.PersistedSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, backend_kind, state, message_history, pending_messages, pending_permissions, event_buffer, processed_ids, next_event_seq, last_ack_seq
		FROM sessions ORDER BY updated_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var records []bridge.PersistedSession
	for rows.Next() {
		var (
			rec         bridge.PersistedSession
			backendKind string
			state       string
			history     string
			pending     string
			perms       string
			buffer      string
			processed   string
		)
		if err := rows.Scan(&rec.ID, &backendKind, &state, &history, &pending, &perms, &buffer, &processed, &rec.NextEventSeq, &rec.LastAckSeq); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.BackendKind = bridge.BackendKind(backendKind)
		unmarshalColumn(rec.ID, "state", state, &rec.State)
		unmarshalColumn(rec.ID, "message_history", history, &rec.MessageHistory)
		unmarshalColumn(rec.ID, "pending_messages", pending, &rec.PendingMessages)
		unmarshalColumn(rec.ID, "pending_permissions", perms, &rec.PendingPermissions)
		unmarshalColumn(rec.ID, "event_buffer", buffer, &rec.EventBuffer)
		unmarshalColumn(rec.ID, "processed_ids", processed, &rec.ProcessedClientMessageIDs)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

// Remove deletes one session record.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// Count returns the number of persisted sessions.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

func marshalList(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func unmarshalColumn(id, column, raw string, dst any) {
	if raw == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		slog.Warn("persistence: malformed column, using defaults", "sessionID", id, "column", column, "error", err)
	}
}
