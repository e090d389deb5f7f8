package checkpoint

import (
	"context"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/duskhall/chronicle/dbopen"

	_ "modernc.org/sqlite"
)

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return NewLedger(db)
}

// clock is a controllable time source for deterministic ordering tests.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSeedIdempotent(t *testing.T) {
	// WHAT: Seeding twice with the same titles produces one row per title.
	// WHY: Seeding runs on every restart; it must never reset progress.
	l := testLedger(t)
	ctx := context.Background()

	if err := l.Seed(ctx, []string{"Ventrue", "Nosferatu"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := l.RecordAttemptStart(ctx, "Ventrue"); err != nil {
		t.Fatalf("attempt start: %v", err)
	}
	if err := l.RecordOutcome(ctx, "Ventrue", StatusOK, ""); err != nil {
		t.Fatalf("record outcome: %v", err)
	}

	if err := l.Seed(ctx, []string{"Ventrue", "Nosferatu", "Toreador"}); err != nil {
		t.Fatalf("reseed: %v", err)
	}

	n, err := l.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("count: got %d, want 3", n)
	}

	// Ventrue kept its ok status across the reseed.
	stats, err := l.Stats(ctx, 3)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.OK != 1 {
		t.Errorf("ok: got %d, want 1", stats.OK)
	}
	if stats.Pending != 2 {
		t.Errorf("pending: got %d, want 2", stats.Pending)
	}
}

func TestRetryCapExcludesTerminalFailed(t *testing.T) {
	// WHAT: A title that failed max_retries times disappears from
	// SelectWorkable and only returns after ResetFailed.
	l := testLedger(t)
	l.BackoffBase = 0 // no backoff horizon in this test
	ctx := context.Background()

	l.Seed(ctx, []string{"Baali"})
	for range 3 {
		l.RecordAttemptStart(ctx, "Baali")
		l.RecordOutcome(ctx, "Baali", StatusFailed, "fetch: http 500")
	}

	titles, err := l.SelectWorkable(ctx, 10, 3)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(titles) != 0 {
		t.Fatalf("workable: got %v, want none", titles)
	}

	stats, _ := l.Stats(ctx, 3)
	if stats.TerminalFailed != 1 {
		t.Errorf("terminal failed: got %d, want 1", stats.TerminalFailed)
	}

	n, err := l.ResetFailed(ctx, 3)
	if err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset count: got %d, want 1", n)
	}
	titles, _ = l.SelectWorkable(ctx, 10, 3)
	if len(titles) != 1 || titles[0] != "Baali" {
		t.Fatalf("workable after reset: got %v", titles)
	}
}

func TestSuccessResetsTries(t *testing.T) {
	l := testLedger(t)
	l.BackoffBase = 0
	ctx := context.Background()

	l.Seed(ctx, []string{"Nosferatu"})
	for range 2 {
		l.RecordAttemptStart(ctx, "Nosferatu")
		l.RecordOutcome(ctx, "Nosferatu", StatusFailed, "timeout")
	}
	l.RecordAttemptStart(ctx, "Nosferatu")
	l.RecordOutcome(ctx, "Nosferatu", StatusOK, "")

	var tries int
	var status, lastErr string
	err := l.db.QueryRow(`SELECT tries, status, last_error FROM pages WHERE title = 'Nosferatu'`).
		Scan(&tries, &status, &lastErr)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if tries != 0 {
		t.Errorf("tries: got %d, want 0", tries)
	}
	if status != StatusOK {
		t.Errorf("status: got %q, want ok", status)
	}
	if lastErr != "" {
		t.Errorf("last_error: got %q, want empty", lastErr)
	}
}

func TestFairnessOrdering(t *testing.T) {
	// WHAT: Least-recently-updated titles are selected first.
	// WHY: Retried titles must not starve never-attempted ones.
	l := testLedger(t)
	l.BackoffBase = 0
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l.now = c.now
	ctx := context.Background()

	l.Seed(ctx, []string{"A"})
	c.advance(time.Minute)
	l.Seed(ctx, []string{"B"})

	titles, err := l.SelectWorkable(ctx, 1, 3)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(titles) != 1 || titles[0] != "A" {
		t.Fatalf("first workable: got %v, want [A]", titles)
	}

	// Attempting A pushes its updated_at forward; B goes first now.
	c.advance(time.Minute)
	l.RecordAttemptStart(ctx, "A")
	l.RecordOutcome(ctx, "A", StatusFailed, "boom")

	titles, _ = l.SelectWorkable(ctx, 1, 3)
	if len(titles) != 1 || titles[0] != "B" {
		t.Fatalf("after A failed: got %v, want [B]", titles)
	}
}

func TestBackoffGatesFailedTitle(t *testing.T) {
	// WHAT: A failed title stays invisible until its backoff horizon passes,
	// while other titles remain selectable.
	l := testLedger(t)
	l.BackoffBase = 30 * time.Second
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l.now = c.now
	ctx := context.Background()

	l.Seed(ctx, []string{"Tzimisce", "Gangrel"})
	l.RecordAttemptStart(ctx, "Tzimisce")
	l.RecordOutcome(ctx, "Tzimisce", StatusFailed, "http 503")

	titles, _ := l.SelectWorkable(ctx, 10, 3)
	if len(titles) != 1 || titles[0] != "Gangrel" {
		t.Fatalf("during backoff: got %v, want [Gangrel]", titles)
	}

	c.advance(31 * time.Second)
	titles, _ = l.SelectWorkable(ctx, 10, 3)
	if len(titles) != 2 {
		t.Fatalf("after backoff: got %v, want both", titles)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	l := testLedger(t)
	l.BackoffBase = time.Second
	l.BackoffCap = 5 * time.Second

	cases := []struct {
		tries int
		want  time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := l.backoff(tc.tries); got != tc.want {
			t.Errorf("backoff(%d): got %v, want %v", tc.tries, got, tc.want)
		}
	}
}

func TestAttemptStartCountsOnCrash(t *testing.T) {
	// WHAT: tries is incremented before work, so an interrupted attempt
	// is not a free retry.
	l := testLedger(t)
	ctx := context.Background()

	l.Seed(ctx, []string{"Malkavian"})
	l.RecordAttemptStart(ctx, "Malkavian")
	// No outcome recorded — simulates a crash mid-title.

	var tries int
	l.db.QueryRow(`SELECT tries FROM pages WHERE title = 'Malkavian'`).Scan(&tries)
	if tries != 1 {
		t.Fatalf("tries: got %d, want 1", tries)
	}
}

func TestMetaSetOnce(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	if err := l.SetMetaOnce(ctx, "started_at", "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("set once: %v", err)
	}
	if err := l.SetMetaOnce(ctx, "started_at", "2026-02-02T00:00:00Z"); err != nil {
		t.Fatalf("set once again: %v", err)
	}
	v, err := l.GetMeta(ctx, "started_at")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "2026-01-01T00:00:00Z" {
		t.Errorf("started_at: got %q, want first value preserved", v)
	}

	// Mutable keys are overwritten.
	l.SetMeta(ctx, "namespace", "0")
	l.SetMeta(ctx, "namespace", "14")
	v, _ = l.GetMeta(ctx, "namespace")
	if v != "14" {
		t.Errorf("namespace: got %q, want 14", v)
	}

	v, _ = l.GetMeta(ctx, "missing")
	if v != "" {
		t.Errorf("missing key: got %q, want empty", v)
	}
}

func TestResetWipesEverything(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	l.Seed(ctx, []string{"A", "B"})
	l.SetMeta(ctx, "namespace", "0")
	if err := l.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	n, _ := l.Count(ctx)
	if n != 0 {
		t.Errorf("pages after reset: got %d, want 0", n)
	}
	v, _ := l.GetMeta(ctx, "namespace")
	if v != "" {
		t.Errorf("meta after reset: got %q, want empty", v)
	}
}

func TestErrorTextTruncated(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	l.Seed(ctx, []string{"A"})
	l.RecordAttemptStart(ctx, "A")
	l.RecordOutcome(ctx, "A", StatusFailed, string(long))

	var stored string
	l.db.QueryRow(`SELECT last_error FROM pages WHERE title = 'A'`).Scan(&stored)
	if len(stored) != maxErrLen {
		t.Fatalf("stored error length: got %d, want %d", len(stored), maxErrLen)
	}
}

func TestMarkPendingRevivesDoneTitles(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	l.Seed(ctx, []string{"A", "B"})
	l.RecordAttemptStart(ctx, "A")
	l.RecordOutcome(ctx, "A", StatusOK, "")

	if err := l.MarkPending(ctx, []string{"A", "C"}); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}

	titles, err := l.SelectWorkable(ctx, 10, 3)
	if err != nil {
		t.Fatalf("SelectWorkable: %v", err)
	}
	want := map[string]bool{"A": true, "B": true, "C": true}
	if len(titles) != 3 {
		t.Fatalf("workable = %v, want A, B and C", titles)
	}
	for _, title := range titles {
		if !want[title] {
			t.Errorf("unexpected workable title %q", title)
		}
	}

	var tries int
	l.db.QueryRow(`SELECT tries FROM pages WHERE title = 'A'`).Scan(&tries)
	if tries != 0 {
		t.Errorf("tries = %d, want 0 after MarkPending", tries)
	}
}

func TestNextEligibleAt(t *testing.T) {
	// WHAT: the earliest backoff horizon among retryable titles is exposed,
	// and vanishes once every title is terminal.
	l := testLedger(t)
	l.BackoffBase = 30 * time.Second
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l.now = c.now
	ctx := context.Background()

	l.Seed(ctx, []string{"Tzimisce"})
	l.RecordAttemptStart(ctx, "Tzimisce")
	l.RecordOutcome(ctx, "Tzimisce", StatusFailed, "http 503")

	eligible, ok, err := l.NextEligibleAt(ctx, 3)
	if err != nil {
		t.Fatalf("next eligible: %v", err)
	}
	if !ok {
		t.Fatal("expected a retryable title")
	}
	want := c.t.Add(30 * time.Second)
	if !eligible.Equal(want) {
		t.Errorf("horizon: got %v, want %v", eligible, want)
	}

	// Exhaust the retry cap; nothing retryable remains.
	l.RecordAttemptStart(ctx, "Tzimisce")
	l.RecordOutcome(ctx, "Tzimisce", StatusFailed, "http 503")
	l.RecordAttemptStart(ctx, "Tzimisce")
	l.RecordOutcome(ctx, "Tzimisce", StatusFailed, "http 503")

	if _, ok, _ := l.NextEligibleAt(ctx, 3); ok {
		t.Error("expected no retryable title after cap")
	}
}

func TestTruncateErrKeepsRuneBoundary(t *testing.T) {
	// A multi-byte rune straddling the cut must be dropped whole, never
	// split into invalid UTF-8.
	long := make([]byte, maxErrLen-1)
	for i := range long {
		long[i] = 'x'
	}
	// The two-byte é straddles the cut at maxErrLen.
	s := string(long) + "ééé"

	got := truncateErr(s)
	if len(got) > maxErrLen {
		t.Fatalf("length: got %d, want <= %d", len(got), maxErrLen)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncated error is not valid UTF-8: %q", got[len(got)-4:])
	}
	if len(got) != maxErrLen-1 {
		t.Errorf("length: got %d, want %d (straddling rune dropped whole)", len(got), maxErrLen-1)
	}
}
