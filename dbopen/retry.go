package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Lock contention tuning: attempts and the linear backoff step between
// them, i.e. 100/200ms pauses across three attempts.
const (
	txAttempts = 3
	txBackoff  = 100 * time.Millisecond
)

// busyMarkers are the driver messages that mean lock contention rather
// than a real failure. modernc.org/sqlite reports all three depending on
// which lock is held.
var busyMarkers = []string{
	"SQLITE_BUSY",
	"database is locked",
	"database table is locked",
}

// IsBusy reports whether err indicates an SQLite BUSY condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range busyMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RunTx executes fn inside a transaction, retrying lock contention with a
// short linear backoff. Any other error, including one from fn, returns
// immediately after rollback.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = inTx(ctx, db, fn)
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt == txAttempts {
			return fmt.Errorf("dbopen: still busy after %d attempts: %w", txAttempts, err)
		}
		if serr := sleepCtx(ctx, time.Duration(attempt)*txBackoff); serr != nil {
			return fmt.Errorf("dbopen: retry interrupted: %w", serr)
		}
	}
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
