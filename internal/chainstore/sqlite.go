// Package chainstore is the sqlite persistence layer for the audit chain.
// The schema is append-only: the package exposes no update or delete
// operation on audit rows, and the single tail row is only ever advanced
// with a compare-and-swap inside the same transaction as the insert.
package chainstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	phivault "github.com/careport/phivault"
	"github.com/careport/phivault/internal/canonical"
)

// ErrTailConflict means the durable tail no longer matches the hash the
// writer chained against; another writer committed first.
var ErrTailConflict = errors.New("chain tail moved concurrently")

// timeFormat is the stored timestamp layout. Unlike RFC3339Nano it never
// trims trailing zeros, so the TEXT column sorts and compares correctly at
// whole-second boundaries ('.' sorts before 'Z').
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT    NOT NULL UNIQUE,
	op_id             TEXT    NOT NULL UNIQUE,
	schema_version    INTEGER NOT NULL,
	timestamp         TEXT    NOT NULL,
	event_type        TEXT    NOT NULL,
	user_id           TEXT    NOT NULL,
	user_role         TEXT    NOT NULL,
	resource_type     TEXT    NOT NULL,
	resource_id       TEXT    NOT NULL,
	fields_accessed   TEXT    NOT NULL,
	purpose           TEXT    NOT NULL,
	outcome           TEXT    NOT NULL,
	ip_address        TEXT,
	session_id        TEXT,
	details           TEXT    NOT NULL,
	log_hash          TEXT    NOT NULL UNIQUE,
	previous_log_hash TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type);

CREATE TABLE IF NOT EXISTS chain_tail (
	id        INTEGER PRIMARY KEY CHECK (id = 1),
	tail_hash TEXT NOT NULL
);
`

// Store implements phivault.AuditStore over sqlite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit chain database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO chain_tail (id, tail_hash) VALUES (1, ?)`,
		canonical.GenesisHash,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to seed chain tail: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// TailHash returns the hash of the last durably committed entry, or the
// genesis hash for an empty chain.
func (s *Store) TailHash(ctx context.Context) (string, error) {
	var tail string
	err := s.db.QueryRowContext(ctx, `SELECT tail_hash FROM chain_tail WHERE id = 1`).Scan(&tail)
	if err != nil {
		return "", fmt.Errorf("failed to read chain tail: %w", err)
	}
	return tail, nil
}

// AppendEntry inserts the entry and advances the tail pointer from
// prevTail to entry.LogHash in one transaction. The tail update is the
// compare-and-swap: zero rows affected means the durable tail moved and
// the whole transaction rolls back.
func (s *Store) AppendEntry(ctx context.Context, entry *phivault.AuditLogEntry, prevTail string) error {
	fields, err := json.Marshal(entry.FieldsAccessed)
	if err != nil {
		return fmt.Errorf("failed to encode fields_accessed: %w", err)
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE chain_tail SET tail_hash = ? WHERE id = 1 AND tail_hash = ?`,
		entry.LogHash, prevTail,
	)
	if err != nil {
		return fmt.Errorf("failed to advance chain tail: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to advance chain tail: %w", err)
	}
	if affected == 0 {
		return ErrTailConflict
	}

	insert, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, op_id, schema_version, timestamp, event_type,
			user_id, user_role, resource_type, resource_id,
			fields_accessed, purpose, outcome, ip_address, session_id,
			details, log_hash, previous_log_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.OpID, entry.SchemaVersion,
		entry.Timestamp.UTC().Format(timeFormat), string(entry.EventType),
		entry.UserID, entry.UserRole, entry.ResourceType, entry.ResourceID,
		string(fields), entry.Purpose, string(entry.Outcome),
		entry.IPAddress, entry.SessionID,
		string(details), entry.LogHash, entry.PreviousLogHash,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	seq, err := insert.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read assigned sequence: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit entry: %w", err)
	}
	entry.Seq = seq
	return nil
}

// FindByOpID returns the entry recorded under opID, or (nil, nil).
func (s *Store) FindByOpID(ctx context.Context, opID string) (*phivault.AuditLogEntry, error) {
	rows, err := s.queryEntries(ctx, `WHERE op_id = ?`, opID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// EntriesBySeq returns entries with fromSeq <= seq <= toSeq ascending.
// toSeq <= 0 means through the tail.
func (s *Store) EntriesBySeq(ctx context.Context, fromSeq, toSeq int64) ([]phivault.AuditLogEntry, error) {
	if toSeq <= 0 {
		return s.queryEntries(ctx, `WHERE seq >= ? ORDER BY seq ASC`, fromSeq)
	}
	return s.queryEntries(ctx, `WHERE seq >= ? AND seq <= ? ORDER BY seq ASC`, fromSeq, toSeq)
}

// EntriesInRange returns entries with from <= timestamp < to ascending.
func (s *Store) EntriesInRange(ctx context.Context, from, to time.Time) ([]phivault.AuditLogEntry, error) {
	return s.queryEntries(ctx,
		`WHERE timestamp >= ? AND timestamp < ? ORDER BY seq ASC`,
		from.UTC().Format(timeFormat), to.UTC().Format(timeFormat),
	)
}

// Entries returns entries matching the filter, most recent first.
func (s *Store) Entries(ctx context.Context, f phivault.EntryFilter) ([]phivault.AuditLogEntry, error) {
	where := `WHERE 1=1`
	args := []any{}
	if f.UserID != "" {
		where += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if !f.From.IsZero() {
		where += ` AND timestamp >= ?`
		args = append(args, f.From.UTC().Format(timeFormat))
	}
	if !f.To.IsZero() {
		where += ` AND timestamp < ?`
		args = append(args, f.To.UTC().Format(timeFormat))
	}
	where += ` ORDER BY seq DESC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(f.Limit), f.Offset)
	return s.queryEntries(ctx, where, args...)
}

// RecentActivities returns entries most recent first, optionally filtered
// by event type.
func (s *Store) RecentActivities(ctx context.Context, f phivault.ActivityFilter) ([]phivault.AuditLogEntry, error) {
	where := `WHERE 1=1`
	args := []any{}
	if f.EventType != "" {
		where += ` AND event_type = ?`
		args = append(args, string(f.EventType))
	}
	where += ` ORDER BY seq DESC LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(f.Limit), f.Offset)
	return s.queryEntries(ctx, where, args...)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

func (s *Store) queryEntries(ctx context.Context, where string, args ...any) ([]phivault.AuditLogEntry, error) {
	query := `
		SELECT seq, id, op_id, schema_version, timestamp, event_type,
		       user_id, user_role, resource_type, resource_id,
		       fields_accessed, purpose, outcome, ip_address, session_id,
		       details, log_hash, previous_log_hash
		FROM audit_log ` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}
	defer rows.Close()

	var entries []phivault.AuditLogEntry
	for rows.Next() {
		var e phivault.AuditLogEntry
		var ts, fields, details string
		var ip, session sql.NullString
		err := rows.Scan(
			&e.Seq, &e.ID, &e.OpID, &e.SchemaVersion, &ts, &e.EventType,
			&e.UserID, &e.UserRole, &e.ResourceType, &e.ResourceID,
			&fields, &e.Purpose, &e.Outcome, &ip, &session,
			&details, &e.LogHash, &e.PreviousLogHash,
		)
		if err != nil {
			return nil, fmt.Errorf("audit scan failed: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("stored timestamp %q is invalid: %w", ts, err)
		}
		if err := json.Unmarshal([]byte(fields), &e.FieldsAccessed); err != nil {
			return nil, fmt.Errorf("stored fields_accessed is invalid: %w", err)
		}
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("stored details is invalid: %w", err)
			}
		}
		e.IPAddress = ip.String
		e.SessionID = session.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
