// Package audit records admin actions in an append-only SQLite log. Every
// edge mutation made through the review surface lands here with its actor
// and outcome; entries are never updated or deleted.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/duskhall/chronicle/idgen"
)

// Schema is the append-only audit table.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id   TEXT PRIMARY KEY,
    ts         INTEGER NOT NULL,
    actor      TEXT NOT NULL DEFAULT '',
    action     TEXT NOT NULL,
    src        TEXT NOT NULL DEFAULT '',
    rel        TEXT NOT NULL DEFAULT '',
    dst        TEXT NOT NULL DEFAULT '',
    details    TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
`

// Entry is one audit record. Zero-value fields are filled by Log.
type Entry struct {
	EntryID   string `json:"entry_id"`
	Timestamp int64  `json:"ts"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Src       string `json:"src"`
	Rel       string `json:"rel"`
	Dst       string `json:"dst"`
	Details   string `json:"details,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// SQLiteLogger writes entries to an audit_log table.
type SQLiteLogger struct {
	db    *sql.DB
	idGen idgen.Generator

	mu     sync.Mutex
	buf    []*Entry
	closed bool
}

// Option configures a SQLiteLogger.
type Option func(*SQLiteLogger)

// WithIDGenerator overrides entry ID generation.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *SQLiteLogger) { l.idGen = gen }
}

// NewSQLiteLogger wraps an open database.
func NewSQLiteLogger(db *sql.DB, opts ...Option) *SQLiteLogger {
	l := &SQLiteLogger{db: db, idGen: idgen.Default}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Init creates the audit table.
func (l *SQLiteLogger) Init() error {
	if _, err := l.db.Exec(Schema); err != nil {
		return fmt.Errorf("audit: init: %w", err)
	}
	return nil
}

func (l *SQLiteLogger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.idGen()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

// Log writes one entry synchronously.
func (l *SQLiteLogger) Log(ctx context.Context, e *Entry) error {
	if e.Action == "" {
		return fmt.Errorf("audit: entry without action")
	}
	l.fillDefaults(e)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (entry_id, ts, actor, action, src, rel, dst, details, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Timestamp, e.Actor, e.Action, e.Src, e.Rel, e.Dst, e.Details, e.Status, e.Error)
	if err != nil {
		return fmt.Errorf("audit: log: %w", err)
	}
	return nil
}

// LogAsync buffers an entry; Close flushes the buffer. Request paths use
// this so audit writes never add latency to the response.
func (l *SQLiteLogger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.buf = append(l.buf, e)
}

// Flush writes all buffered entries.
func (l *SQLiteLogger) Flush(ctx context.Context) error {
	l.mu.Lock()
	pending := l.buf
	l.buf = nil
	l.mu.Unlock()

	for _, e := range pending {
		if err := l.Log(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes buffered entries and stops accepting new ones.
func (l *SQLiteLogger) Close() error {
	err := l.Flush(context.Background())
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return err
}

// List returns the most recent entries, newest first.
func (l *SQLiteLogger) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT entry_id, ts, actor, action, src, rel, dst, details, status, error_message
		FROM audit_log ORDER BY ts DESC, entry_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Actor, &e.Action,
			&e.Src, &e.Rel, &e.Dst, &e.Details, &e.Status, &e.Error); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
