package audit

import (
	"context"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/duskhall/chronicle/dbopen"
)

func testLogger(t *testing.T, opts ...Option) *SQLiteLogger {
	t.Helper()
	db := dbopen.OpenMemory(t)
	logger := NewSQLiteLogger(db, opts...)
	if err := logger.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestInitCreatesTable(t *testing.T) {
	db := dbopen.OpenMemory(t)
	logger := NewSQLiteLogger(db)
	if err := logger.Init(); err != nil {
		t.Fatal(err)
	}
	var count int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='audit_log'").Scan(&count)
	if count != 1 {
		t.Fatal("audit_log table not created")
	}
}

func TestLogFillsDefaults(t *testing.T) {
	logger := testLogger(t)
	e := &Entry{Actor: "admin", Action: "approve", Src: "brujah", Rel: "MEMBER_OF", Dst: "camarilla"}
	if err := logger.Log(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if e.EntryID == "" {
		t.Error("entry_id not generated")
	}
	if e.Timestamp == 0 {
		t.Error("timestamp not set")
	}
	if e.Status != "success" {
		t.Errorf("status = %q, want success", e.Status)
	}
}

func TestLogErrorStatus(t *testing.T) {
	logger := testLogger(t)
	e := &Entry{Action: "delete", Error: "edge not found"}
	if err := logger.Log(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if e.Status != "error" {
		t.Errorf("status = %q, want error", e.Status)
	}
}

func TestLogRequiresAction(t *testing.T) {
	logger := testLogger(t)
	if err := logger.Log(context.Background(), &Entry{Actor: "admin"}); err == nil {
		t.Fatal("want error for entry without action")
	}
}

func TestLogAsyncFlushedOnClose(t *testing.T) {
	db := dbopen.OpenMemory(t)
	logger := NewSQLiteLogger(db)
	if err := logger.Init(); err != nil {
		t.Fatal(err)
	}

	logger.LogAsync(&Entry{Action: "update", Src: "a", Rel: "REL", Dst: "b"})
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log WHERE action='update'").Scan(&count)
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	// After Close the logger drops new entries instead of panicking.
	logger.LogAsync(&Entry{Action: "late"})
}

func TestListNewestFirst(t *testing.T) {
	logger := testLogger(t)
	ctx := context.Background()
	for i, action := range []string{"approve", "delete", "update"} {
		e := &Entry{Action: action, Timestamp: int64(1000 + i)}
		if err := logger.Log(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := logger.List(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Action != "update" || entries[1].Action != "delete" {
		t.Errorf("order = %q, %q", entries[0].Action, entries[1].Action)
	}
}

func TestWithIDGenerator(t *testing.T) {
	logger := testLogger(t, WithIDGenerator(func() string { return "fixed_id" }))
	e := &Entry{Action: "approve"}
	if err := logger.Log(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if e.EntryID != "fixed_id" {
		t.Errorf("entry_id = %q, want fixed_id", e.EntryID)
	}
}
