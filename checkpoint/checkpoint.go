// Package checkpoint is the durable per-title processing ledger that makes
// ingestion resumable. Every known page title has exactly one row recording
// its status, attempt count, and last error; the ingestion engine decides
// what to do next purely from this ledger, never from in-memory state.
//
// Failed titles carry a next_eligible_at horizon so that a consistently
// failing title backs off without stalling the rest of the batch loop.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/duskhall/chronicle/dbopen"
)

// Title processing statuses.
const (
	StatusPending = "pending"
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Schema holds the two ledger tables. Timestamps are milliseconds since epoch.
const Schema = `
CREATE TABLE IF NOT EXISTS pages (
    title            TEXT PRIMARY KEY,
    status           TEXT NOT NULL,
    tries            INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT NOT NULL DEFAULT '',
    updated_at       INTEGER NOT NULL,
    next_eligible_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pages_workable ON pages(status, tries, next_eligible_at, updated_at);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// ApplySchema creates the ledger tables on the given database.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("checkpoint: apply schema: %w", err)
	}
	return nil
}

// Counts aggregates the ledger by status for progress reporting.
type Counts struct {
	Total          int `json:"total"`
	Pending        int `json:"pending"`
	OK             int `json:"ok"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
	TerminalFailed int `json:"terminal_failed"` // failed with tries >= max_retries
	Remaining      int `json:"remaining"`       // workable under max_retries
}

// Ledger is the checkpoint store over one SQLite database.
type Ledger struct {
	db *sql.DB

	// BackoffBase is the delay after the first failure; it doubles per try.
	// BackoffCap bounds the delay. Zero values take the defaults (30s, 30m).
	BackoffBase time.Duration
	BackoffCap  time.Duration

	now func() time.Time // test override
}

// NewLedger wraps an already-opened database. Call ApplySchema first.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{
		db:          db,
		BackoffBase: 30 * time.Second,
		BackoffCap:  30 * time.Minute,
		now:         time.Now,
	}
}

// Count returns the total number of titles in the ledger.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: count: %w", err)
	}
	return n, nil
}

// Seed bulk-inserts titles as pending. Existing rows are left untouched, so
// seeding is safe to repeat on every restart without resetting progress.
func (l *Ledger) Seed(ctx context.Context, titles []string) error {
	if len(titles) == 0 {
		return nil
	}
	now := l.now().UnixMilli()
	return dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT OR IGNORE INTO pages (title, status, tries, last_error, updated_at) VALUES (?, ?, 0, '', ?)`)
		if err != nil {
			return fmt.Errorf("checkpoint: prepare seed: %w", err)
		}
		defer stmt.Close()
		for _, t := range titles {
			if _, err := stmt.Exec(t, StatusPending, now); err != nil {
				return fmt.Errorf("checkpoint: seed %q: %w", t, err)
			}
		}
		return nil
	})
}

// MarkPending forces titles back to pending with zero tries, inserting any
// that are new. Used when recent changes invalidate already-ingested pages.
func (l *Ledger) MarkPending(ctx context.Context, titles []string) error {
	if len(titles) == 0 {
		return nil
	}
	now := l.now().UnixMilli()
	return dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO pages (title, status, tries, last_error, updated_at, next_eligible_at)
			VALUES (?, ?, 0, '', ?, 0)
			ON CONFLICT(title) DO UPDATE SET
			  status = excluded.status,
			  tries = 0,
			  last_error = '',
			  updated_at = excluded.updated_at,
			  next_eligible_at = 0`)
		if err != nil {
			return fmt.Errorf("checkpoint: prepare mark pending: %w", err)
		}
		defer stmt.Close()
		for _, t := range titles {
			if _, err := stmt.Exec(t, StatusPending, now); err != nil {
				return fmt.Errorf("checkpoint: mark pending %q: %w", t, err)
			}
		}
		return nil
	})
}

// SelectWorkable returns up to limit titles that are pending or retryable
// failed, under the retry cap, and past any backoff horizon. Least-recently
// updated first, so never-attempted titles are not starved by retries.
func (l *Ledger) SelectWorkable(ctx context.Context, limit, maxRetries int) ([]string, error) {
	now := l.now().UnixMilli()
	rows, err := l.db.QueryContext(ctx, `
		SELECT title FROM pages
		WHERE status IN (?, ?)
		  AND tries < ?
		  AND next_eligible_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?`,
		StatusPending, StatusFailed, maxRetries, now, limit)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: select workable: %w", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("checkpoint: scan title: %w", err)
		}
		titles = append(titles, t)
	}
	return titles, rows.Err()
}

// NextEligibleAt returns the earliest backoff horizon among titles that
// still have attempts left. ok is false when no such title exists, i.e.
// every title is terminal.
func (l *Ledger) NextEligibleAt(ctx context.Context, maxRetries int) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT MIN(next_eligible_at) FROM pages
		WHERE status IN (?, ?) AND tries < ?`,
		StatusPending, StatusFailed, maxRetries).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("checkpoint: next eligible: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

// RecordAttemptStart increments tries before any work happens, so a crash
// mid-title still consumes an attempt instead of granting a free retry.
func (l *Ledger) RecordAttemptStart(ctx context.Context, title string) error {
	now := l.now().UnixMilli()
	_, err := l.db.ExecContext(ctx,
		`UPDATE pages SET tries = tries + 1, updated_at = ? WHERE title = ?`, now, title)
	if err != nil {
		return fmt.Errorf("checkpoint: attempt start %q: %w", title, err)
	}
	return nil
}

// RecordOutcome sets the final status of an attempt. Success and skip reset
// tries to zero (a fresh success forgives prior failures) and clear the
// backoff horizon; failure records the error and pushes next_eligible_at
// out by min(cap, base * 2^(tries-1)).
func (l *Ledger) RecordOutcome(ctx context.Context, title, status, errText string) error {
	now := l.now().UnixMilli()
	if status == StatusFailed {
		return dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
			var tries int
			err := tx.QueryRow(`SELECT tries FROM pages WHERE title = ?`, title).Scan(&tries)
			if err == sql.ErrNoRows {
				tries = 1
			} else if err != nil {
				return fmt.Errorf("checkpoint: read tries %q: %w", title, err)
			}
			eligible := now + l.backoff(tries).Milliseconds()
			_, err = tx.Exec(`
				INSERT INTO pages (title, status, tries, last_error, updated_at, next_eligible_at)
				VALUES (?, ?, 1, ?, ?, ?)
				ON CONFLICT(title) DO UPDATE SET
				  status = excluded.status,
				  last_error = excluded.last_error,
				  updated_at = excluded.updated_at,
				  next_eligible_at = excluded.next_eligible_at`,
				title, StatusFailed, truncateErr(errText), now, eligible)
			if err != nil {
				return fmt.Errorf("checkpoint: record failed %q: %w", title, err)
			}
			return nil
		})
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO pages (title, status, tries, last_error, updated_at, next_eligible_at)
		VALUES (?, ?, 0, '', ?, 0)
		ON CONFLICT(title) DO UPDATE SET
		  status = excluded.status,
		  tries = 0,
		  last_error = '',
		  updated_at = excluded.updated_at,
		  next_eligible_at = 0`,
		title, status, now)
	if err != nil {
		return fmt.Errorf("checkpoint: record %s %q: %w", status, title, err)
	}
	return nil
}

// backoff returns the delay before a title that failed on attempt `tries`
// becomes workable again: base doubled per prior failure, capped.
func (l *Ledger) backoff(tries int) time.Duration {
	if tries < 1 {
		tries = 1
	}
	d := l.BackoffBase
	for i := 1; i < tries; i++ {
		d *= 2
		if d >= l.BackoffCap {
			return l.BackoffCap
		}
	}
	if d > l.BackoffCap {
		d = l.BackoffCap
	}
	return d
}

// Stats returns aggregate counts. Remaining and TerminalFailed are computed
// against the given retry cap.
func (l *Ledger) Stats(ctx context.Context, maxRetries int) (*Counts, error) {
	c := &Counts{}
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("checkpoint: scan stats: %w", err)
		}
		c.Total += n
		switch status {
		case StatusPending:
			c.Pending = n
		case StatusOK:
			c.OK = n
		case StatusFailed:
			c.Failed = n
		case StatusSkipped:
			c.Skipped = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pages WHERE status = ? AND tries >= ?`,
		StatusFailed, maxRetries).Scan(&c.TerminalFailed)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: terminal count: %w", err)
	}
	err = l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pages WHERE status IN (?, ?) AND tries < ?`,
		StatusPending, StatusFailed, maxRetries).Scan(&c.Remaining)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: remaining count: %w", err)
	}
	return c, nil
}

// Reset wipes the ledger. Operator action; the next run reseeds from scratch.
func (l *Ledger) Reset(ctx context.Context) error {
	return dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM pages`); err != nil {
			return fmt.Errorf("checkpoint: reset pages: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM meta`); err != nil {
			return fmt.Errorf("checkpoint: reset meta: %w", err)
		}
		return nil
	})
}

// ResetFailed returns terminal-failed titles to pending with zero tries so
// they become workable again.
func (l *Ledger) ResetFailed(ctx context.Context, maxRetries int) (int, error) {
	now := l.now().UnixMilli()
	res, err := l.db.ExecContext(ctx, `
		UPDATE pages SET status = ?, tries = 0, last_error = '', updated_at = ?, next_eligible_at = 0
		WHERE status = ? AND tries >= ?`,
		StatusPending, now, StatusFailed, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: reset failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetMeta stores a run-metadata value, overwriting any existing one.
func (l *Ledger) SetMeta(ctx context.Context, key, value string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("checkpoint: set meta %q: %w", key, err)
	}
	return nil
}

// SetMetaOnce stores a value only if the key is absent (first writer wins
// across restarts; used for started_at).
func (l *Ledger) SetMetaOnce(ctx context.Context, key, value string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("checkpoint: set meta once %q: %w", key, err)
	}
	return nil
}

// GetMeta returns the stored value, or "" if the key is absent.
func (l *Ledger) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := l.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("checkpoint: get meta %q: %w", key, err)
	}
	return v, nil
}

// maxErrLen bounds last_error so a huge upstream response body cannot bloat
// the ledger.
const maxErrLen = 600

func truncateErr(s string) string {
	if len(s) <= maxErrLen {
		return s
	}
	cut := maxErrLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
