// Package runlog keeps an append-only ledger of processing runs: one
// row per server outcome (or per agent task) for every invocation, so
// failures can be inspected after the process has exited.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run kinds.
const (
	KindProcess = "process" // capture data through every enabled server
	KindTask    = "task"    // agent task
	KindServer  = "server"  // capture data through one named server
)

// tsLayout is fixed width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one outcome within a run.
type Entry struct {
	ID          string
	RunID       string
	Timestamp   time.Time
	Kind        string
	Server      string // server name, or "agent"
	Success     bool
	Error       string
	ImagePath   string
	Instruction string
	Duration    time.Duration
	Payload     json.RawMessage // outcome JSON
}

// Summary holds per-server outcome counts.
type Summary struct {
	Total  int
	Failed int
}

// Store is an append-only SQLite store for run entries. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewRunID returns a time-ordered run identifier.
func NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run ID: %w", err)
	}
	return id.String(), nil
}

// NewStore opens the ledger at dbPath, creating the schema on first
// use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open run log database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate run log schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS run_entries (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL,
		timestamp    TEXT NOT NULL,
		kind         TEXT NOT NULL,
		server       TEXT NOT NULL,
		success      INTEGER NOT NULL,
		error        TEXT,
		image_path   TEXT,
		instruction  TEXT,
		duration_ms  INTEGER NOT NULL,
		payload      TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_run_entries_run ON run_entries(run_id);
	CREATE INDEX IF NOT EXISTS idx_run_entries_timestamp ON run_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_run_entries_server ON run_entries(server);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append persists entries in one transaction. Entries without an ID
// get a UUIDv7; entries without a timestamp get the current time.
func (s *Store) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run log transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO run_entries
			(id, run_id, timestamp, kind, server, success, error,
			 image_path, instruction, duration_ms, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare run log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if e.ID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("generate run entry ID: %w", err)
			}
			e.ID = id.String()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}

		if _, err := stmt.ExecContext(ctx,
			e.ID,
			e.RunID,
			e.Timestamp.UTC().Format(tsLayout),
			e.Kind,
			e.Server,
			e.Success,
			e.Error,
			e.ImagePath,
			e.Instruction,
			e.Duration.Milliseconds(),
			payload,
		); err != nil {
			return fmt.Errorf("insert run entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run log: %w", err)
	}
	return nil
}

const selectEntries = `SELECT id, run_id, timestamp, kind, server, success,
	COALESCE(error, ''), COALESCE(image_path, ''), COALESCE(instruction, ''),
	duration_ms, COALESCE(payload, '')
	FROM run_entries`

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectEntries+` ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	return scanEntries(rows)
}

// Run returns the entries of one run ordered by server name.
func (s *Store) Run(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, selectEntries+` WHERE run_id = ? ORDER BY server`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	return scanEntries(rows)
}

// SummaryByServer returns per-server outcome counts for entries within
// [start, end).
func (s *Store) SummaryByServer(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server, COUNT(*), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		 FROM run_entries
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY server`,
		start.UTC().Format(tsLayout),
		end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query run summary: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var server string
		var sum Summary
		if err := rows.Scan(&server, &sum.Total, &sum.Failed); err != nil {
			return nil, fmt.Errorf("scan run summary: %w", err)
		}
		result[server] = &sum
	}
	return result, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      string
			durMS   int64
			payload string
			success bool
		)
		if err := rows.Scan(&e.ID, &e.RunID, &ts, &e.Kind, &e.Server, &success,
			&e.Error, &e.ImagePath, &e.Instruction, &durMS, &payload); err != nil {
			return nil, fmt.Errorf("scan run entry: %w", err)
		}
		t, err := time.Parse(tsLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse run entry timestamp %q: %w", ts, err)
		}
		e.Timestamp = t
		e.Success = success
		e.Duration = time.Duration(durMS) * time.Millisecond
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
