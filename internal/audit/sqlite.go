package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
// Timestamps are stored as unix nanoseconds so that range predicates and
// ordering compare correctly.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id         TEXT PRIMARY KEY,
		timestamp  INTEGER NOT NULL,
		user_id    TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		action     TEXT NOT NULL,
		resource   TEXT NOT NULL,
		result     TEXT NOT NULL,
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		sensitive  INTEGER NOT NULL DEFAULT 0,
		metadata   TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_entries_action ON audit_entries (action)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Append inserts an entry.
func (s *SQLiteStore) Append(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return errEntryNil
	}

	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	sensitive := 0
	if entry.Sensitive {
		sensitive = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries
		 (id, timestamp, user_id, session_id, action, resource, result, ip_address, user_agent, sensitive, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.Timestamp.UTC().UnixNano(),
		entry.UserID, entry.SessionID, entry.Action, entry.Resource, string(entry.Result),
		entry.IPAddress, entry.UserAgent, sensitive, string(metaJSON))
	return err
}

// Query returns matching entries newest-first.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]*Entry, error) {
	query := `SELECT id, timestamp, user_id, session_id, action, resource, result, ip_address, user_agent, sensitive, metadata
	          FROM audit_entries WHERE 1=1`
	args := make([]any, 0, 6)

	if q.StartDate != nil {
		query += ` AND timestamp >= ?`
		args = append(args, q.StartDate.UTC().UnixNano())
	}
	if q.EndDate != nil {
		query += ` AND timestamp <= ?`
		args = append(args, q.EndDate.UTC().UnixNano())
	}
	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, q.Action)
	}
	if q.Resource != "" {
		query += ` AND resource = ?`
		args = append(args, q.Resource)
	}
	if q.Result != "" {
		query += ` AND result = ?`
		args = append(args, string(q.Result))
	}

	query += ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	entries := make([]*Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOlderThan removes entries with timestamps at or before cutoff.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE timestamp <= ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats returns the entry count and timestamp bounds.
func (s *SQLiteStore) Stats(ctx context.Context) (StoreStats, error) {
	var count int
	var oldest, newest sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM audit_entries`).
		Scan(&count, &oldest, &newest)
	if err != nil {
		return StoreStats{}, err
	}

	stats := StoreStats{TotalEntries: count}
	if oldest.Valid {
		stats.Oldest = time.Unix(0, oldest.Int64).UTC()
	}
	if newest.Valid {
		stats.Newest = time.Unix(0, newest.Int64).UTC()
	}
	return stats, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var id, result, metaJSON string
	var ts int64
	var sensitive int

	if err := rows.Scan(&id, &ts, &e.UserID, &e.SessionID, &e.Action, &e.Resource,
		&result, &e.IPAddress, &e.UserAgent, &sensitive, &metaJSON); err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse entry id: %w", err)
	}
	e.ID = parsed
	e.Timestamp = time.Unix(0, ts).UTC()
	e.Result = Result(result)
	e.Sensitive = sensitive != 0

	if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &e, nil
}
